package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Caller performs read-only contract calls.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

func callView(ctx context.Context, caller Caller, contractAbi *abi.ABI, to common.Address, out any, method string, args ...any) error {
	input, err := contractAbi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method, err)
	}
	output, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return fmt.Errorf("failed to call %s on %s: %w", method, to.Hex(), err)
	}
	if err := contractAbi.UnpackIntoInterface(out, method, output); err != nil {
		return fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return nil
}

// SessionState mirrors the registry `sessions(bytes32)` getter.
type SessionState struct {
	Trader                common.Address
	Relayer               common.Address
	RelayerSetRoot        [32]byte
	Expiry                uint64
	MaxNotionalPerTrade   *big.Int
	MaxNotionalPerSession *big.Int
	SessionNotionalUsed   *big.Int
	MethodsBitmap         *big.Int
	Revoked               bool
}

type Registry struct {
	Address common.Address
	caller  Caller
}

func NewRegistry(address common.Address, caller Caller) *Registry {
	return &Registry{Address: address, caller: caller}
}

func (r *Registry) Session(ctx context.Context, sessionID [32]byte) (*SessionState, error) {
	var state SessionState
	if err := callView(ctx, r.caller, &RegistryABI, r.Address, &state, "sessions", sessionID); err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *Registry) AllowedOrderbook(ctx context.Context, orderBook common.Address) (bool, error) {
	var allowed bool
	err := callView(ctx, r.caller, &RegistryABI, r.Address, &allowed, "allowedOrderbook", orderBook)
	return allowed, err
}

func (r *Registry) IsRelayerAllowed(ctx context.Context, relayer common.Address) (bool, error) {
	var allowed bool
	err := callView(ctx, r.caller, &RegistryABI, r.Address, &allowed, "isRelayerAllowed", relayer)
	return allowed, err
}

func (r *Registry) RemoteAppByDomain(ctx context.Context, domain uint32) (common.Address, error) {
	var app common.Address
	err := callView(ctx, r.caller, &RegistryABI, r.Address, &app, "remoteAppByDomain", domain)
	return app, err
}

func PackCreateSession(trader, relayer common.Address, salt, relayerSetRoot [32]byte, expiry uint64,
	maxPerTrade, maxPerSession, methodsBitmap *big.Int, signature []byte) ([]byte, error) {
	return RegistryABI.Pack("createSession", trader, relayer, salt, relayerSetRoot, expiry,
		maxPerTrade, maxPerSession, methodsBitmap, signature)
}

func PackExecute(sessionID [32]byte, orderBook common.Address, method uint8, data []byte, notional *big.Int, proof [][32]byte) ([]byte, error) {
	return RegistryABI.Pack("execute", sessionID, orderBook, method, data, notional, proof)
}

type Vault struct {
	Address common.Address
	caller  Caller
}

func NewVault(address common.Address, caller Caller) *Vault {
	return &Vault{Address: address, caller: caller}
}

func (v *Vault) MarketSettled(ctx context.Context, marketID [32]byte) (bool, error) {
	var settled bool
	err := callView(ctx, v.caller, &VaultABI, v.Address, &settled, "marketSettled", marketID)
	return settled, err
}

func (v *Vault) GetAvailableCollateral(ctx context.Context, user common.Address) (*big.Int, error) {
	var amount *big.Int
	err := callView(ctx, v.caller, &VaultABI, v.Address, &amount, "getAvailableCollateral", user)
	return amount, err
}

func (v *Vault) MarketToOrderBook(ctx context.Context, marketID [32]byte) (common.Address, error) {
	var orderBook common.Address
	err := callView(ctx, v.caller, &VaultABI, v.Address, &orderBook, "marketToOrderBook", marketID)
	return orderBook, err
}

func (v *Vault) HasRole(ctx context.Context, role [32]byte, account common.Address) (bool, error) {
	return hasRole(ctx, v.caller, &VaultABI, v.Address, role, account)
}

func hasRole(ctx context.Context, caller Caller, contractAbi *abi.ABI, address common.Address, role [32]byte, account common.Address) (bool, error) {
	var granted bool
	err := callView(ctx, caller, contractAbi, address, &granted, "hasRole", role, account)
	return granted, err
}

// Bridge endpoints: the outbox lives on spoke chains, the inbox on the hub.
type BridgeContract struct {
	Address common.Address
	abi     *abi.ABI
	caller  Caller
}

func NewOutbox(address common.Address, caller Caller) *BridgeContract {
	return &BridgeContract{Address: address, abi: &OutboxABI, caller: caller}
}

func NewInbox(address common.Address, caller Caller) *BridgeContract {
	return &BridgeContract{Address: address, abi: &InboxABI, caller: caller}
}

func (b *BridgeContract) HasRole(ctx context.Context, role [32]byte, account common.Address) (bool, error) {
	return hasRole(ctx, b.caller, b.abi, b.Address, role, account)
}

func PackSendDeposit(depositID [32]byte, user, token common.Address, amount *big.Int) ([]byte, error) {
	return OutboxABI.Pack("sendDeposit", depositID, user, token, amount)
}

func PackReceiveMessage(srcDomain uint32, sender common.Address, message []byte) ([]byte, error) {
	return InboxABI.Pack("receiveMessage", srcDomain, sender, message)
}
