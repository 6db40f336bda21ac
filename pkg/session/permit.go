package session

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
	"github.com/scalarorg/session-relayer/pkg/types"
)

// Permit is the registry's view of a session. Read-only off-chain.
type Permit struct {
	SessionID             common.Hash
	Trader                common.Address
	Relayer               common.Address
	RelayerSetRoot        common.Hash
	Expiry                uint64
	MaxNotionalPerTrade   *big.Int
	MaxNotionalPerSession *big.Int
	SessionNotionalUsed   *big.Int
	MethodsBitmap         *big.Int
	Revoked               bool
}

func PermitFromState(sessionID common.Hash, state *evm.SessionState) *Permit {
	return &Permit{
		SessionID:             sessionID,
		Trader:                state.Trader,
		Relayer:               state.Relayer,
		RelayerSetRoot:        common.Hash(state.RelayerSetRoot),
		Expiry:                state.Expiry,
		MaxNotionalPerTrade:   orZero(state.MaxNotionalPerTrade),
		MaxNotionalPerSession: orZero(state.MaxNotionalPerSession),
		SessionNotionalUsed:   orZero(state.SessionNotionalUsed),
		MethodsBitmap:         orZero(state.MethodsBitmap),
		Revoked:               state.Revoked,
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

var (
	addressTy, _ = abi.NewType("address", "", nil)
	bytes32Ty, _ = abi.NewType("bytes32", "", nil)
	uint64Ty, _  = abi.NewType("uint64", "", nil)
	uint256Ty, _ = abi.NewType("uint256", "", nil)

	sessionIDArgs = abi.Arguments{{Type: addressTy}, {Type: addressTy}, {Type: bytes32Ty}}
	permitArgs    = abi.Arguments{
		{Type: addressTy}, {Type: addressTy}, {Type: bytes32Ty}, {Type: bytes32Ty},
		{Type: uint64Ty}, {Type: uint256Ty}, {Type: uint256Ty}, {Type: uint256Ty},
	}
)

// DeriveSessionID is keccak256(abi.encode(trader, relayer, salt)), matching the registry.
func DeriveSessionID(trader, relayer common.Address, salt [32]byte) common.Hash {
	encoded, err := sessionIDArgs.Pack(trader, relayer, salt)
	if err != nil {
		panic(fmt.Sprintf("session id encoding: %v", err))
	}
	return crypto.Keccak256Hash(encoded)
}

// SignedPermit is the message a trader signs to open a session.
type SignedPermit struct {
	Trader                common.Address `json:"trader" validate:"required"`
	Relayer               common.Address `json:"relayer" validate:"required"`
	Salt                  common.Hash    `json:"salt"`
	RelayerSetRoot        common.Hash    `json:"relayerSetRoot"`
	Expiry                uint64         `json:"expiry"`
	MaxNotionalPerTrade   *hexutil.Big   `json:"maxNotionalPerTrade"`
	MaxNotionalPerSession *hexutil.Big   `json:"maxNotionalPerSession"`
	MethodsBitmap         *hexutil.Big   `json:"methodsBitmap"`
}

func bigOf(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToInt()
}

func (p *SignedPermit) SessionID() common.Hash {
	return DeriveSessionID(p.Trader, p.Relayer, p.Salt)
}

// Digest is the EIP-191 personal-sign hash of abi.encode(permit fields).
func (p *SignedPermit) Digest() (common.Hash, error) {
	encoded, err := permitArgs.Pack(p.Trader, p.Relayer, [32]byte(p.Salt), [32]byte(p.RelayerSetRoot), p.Expiry,
		bigOf(p.MaxNotionalPerTrade), bigOf(p.MaxNotionalPerSession), bigOf(p.MethodsBitmap))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode permit: %w", err)
	}
	return common.BytesToHash(accounts.TextHash(crypto.Keccak256(encoded))), nil
}

// CreateSessionCall packs registry.createSession for this permit.
func (p *SignedPermit) CreateSessionCall(signature []byte) ([]byte, error) {
	return evm.PackCreateSession(p.Trader, p.Relayer, p.Salt, p.RelayerSetRoot, p.Expiry,
		bigOf(p.MaxNotionalPerTrade), bigOf(p.MaxNotionalPerSession), bigOf(p.MethodsBitmap), signature)
}

func DecodeSignature(sigHex string) ([]byte, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(sigHex))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("invalid signature length %d", len(sig))
	}
	return sig, nil
}

// VerifyPermitSignature requires the recovered signer to be the permit's trader.
func VerifyPermitSignature(permit *SignedPermit, signature []byte) error {
	if len(signature) != crypto.SignatureLength {
		return types.Deny(types.DenyBadSignature, "signature must be %d bytes", crypto.SignatureLength)
	}
	digest, err := permit.Digest()
	if err != nil {
		return err
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return types.Deny(types.DenyBadSignature, "unrecoverable signature: %v", err)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != permit.Trader {
		return types.Deny(types.DenyBadSignature, "signed by %s, expected %s", signer.Hex(), permit.Trader.Hex())
	}
	return nil
}
