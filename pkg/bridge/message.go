package bridge

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	uint256Ty, _ = abi.NewType("uint256", "", nil)
	bytes32Ty, _ = abi.NewType("bytes32", "", nil)
	addressTy, _ = abi.NewType("address", "", nil)

	depositIDArgs = abi.Arguments{{Type: uint256Ty}, {Type: bytes32Ty}, {Type: uint256Ty}}
	messageArgs   = abi.Arguments{
		{Type: bytes32Ty}, {Type: uint256Ty}, {Type: addressTy}, {Type: addressTy}, {Type: uint256Ty},
	}
)

// DepositID is keccak256(abi.encode(uint256 chainId, bytes32 txHash, uint256 logIndex)).
func DepositID(chainID uint64, txHash common.Hash, logIndex uint) common.Hash {
	encoded, err := depositIDArgs.Pack(new(big.Int).SetUint64(chainID), [32]byte(txHash), new(big.Int).SetUint64(uint64(logIndex)))
	if err != nil {
		panic(fmt.Sprintf("deposit id encoding: %v", err))
	}
	return crypto.Keccak256Hash(encoded)
}

// EncodeMessage builds the payload the hub inbox decodes:
// abi.encode(bytes32 depositId, uint256 srcChainId, address user, address token, uint256 amount).
func EncodeMessage(depositID common.Hash, srcChainID uint64, user, token common.Address, amount *big.Int) ([]byte, error) {
	encoded, err := messageArgs.Pack([32]byte(depositID), new(big.Int).SetUint64(srcChainID), user, token, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to encode deposit message: %w", err)
	}
	return encoded, nil
}

type Message struct {
	DepositID  common.Hash
	SrcChainID uint64
	User       common.Address
	Token      common.Address
	Amount     *big.Int
}

func DecodeMessage(data []byte) (*Message, error) {
	values, err := messageArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode deposit message: %w", err)
	}
	return &Message{
		DepositID:  common.Hash(values[0].([32]byte)),
		SrcChainID: values[1].(*big.Int).Uint64(),
		User:       values[2].(common.Address),
		Token:      values[3].(common.Address),
		Amount:     values[4].(*big.Int),
	}, nil
}
