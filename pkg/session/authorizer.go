package session

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
	"github.com/scalarorg/session-relayer/pkg/merkle"
	"github.com/scalarorg/session-relayer/pkg/metrics"
	"github.com/scalarorg/session-relayer/pkg/types"
)

// RegistryReader is the registry surface the authorizer needs. *evm.Registry satisfies it.
type RegistryReader interface {
	Session(ctx context.Context, sessionID [32]byte) (*evm.SessionState, error)
	AllowedOrderbook(ctx context.Context, orderBook common.Address) (bool, error)
}

// VaultReader resolves markets to order books. *evm.Vault satisfies it.
type VaultReader interface {
	MarketSettled(ctx context.Context, marketID [32]byte) (bool, error)
	MarketToOrderBook(ctx context.Context, marketID [32]byte) (common.Address, error)
}

type AuthRequest struct {
	SessionID common.Hash
	Trader    common.Address
	OrderBook common.Address
	Method    Method
	Notional  *big.Int
	Unpriced  bool
	Relayer   common.Address
	Proof     []common.Hash
}

// Authorizer prechecks trades against registry state so a rejection carries a reason
// instead of an opaque revert. The registry's execute re-enforces every check.
type Authorizer struct {
	registry RegistryReader
	now      func() time.Time
}

func NewAuthorizer(registry RegistryReader) *Authorizer {
	return &Authorizer{registry: registry, now: time.Now}
}

// WithClock overrides the time source used for expiry.
func (a *Authorizer) WithClock(now func() time.Time) *Authorizer {
	a.now = now
	return a
}

func (a *Authorizer) LoadPermit(ctx context.Context, sessionID common.Hash) (*Permit, error) {
	state, err := a.registry.Session(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", sessionID.Hex(), err)
	}
	return PermitFromState(sessionID, state), nil
}

// Authorize returns nil or *types.AuthDenied for the first failing check.
func (a *Authorizer) Authorize(ctx context.Context, req AuthRequest) error {
	err := a.authorize(ctx, req)
	if denied, ok := err.(*types.AuthDenied); ok {
		metrics.AuthDenials.WithLabelValues(string(denied.Reason)).Inc()
		log.Info().Str("sessionId", req.SessionID.Hex()).Str("trader", req.Trader.Hex()).
			Str("reason", string(denied.Reason)).Msg("[SessionAuthorizer] [Authorize] denied")
	}
	return err
}

func (a *Authorizer) authorize(ctx context.Context, req AuthRequest) error {
	permit, err := a.LoadPermit(ctx, req.SessionID)
	if err != nil {
		return err
	}
	if permit.Trader == (common.Address{}) {
		return types.Deny(types.DenySessionNotFound, "session %s", req.SessionID.Hex())
	}
	if permit.Trader != req.Trader {
		return types.Deny(types.DenyTraderMismatch, "session bound to %s", permit.Trader.Hex())
	}
	if permit.Revoked {
		return types.Deny(types.DenySessionRevoked, "")
	}
	if permit.Expiry != 0 && uint64(a.now().Unix()) > permit.Expiry {
		return types.Deny(types.DenySessionExpired, "expired at %d", permit.Expiry)
	}
	allowed, err := a.registry.AllowedOrderbook(ctx, req.OrderBook)
	if err != nil {
		return fmt.Errorf("failed to read allowed order book %s: %w", req.OrderBook.Hex(), err)
	}
	if !allowed {
		return types.Deny(types.DenyOrderbookNotAllowed, "%s", req.OrderBook.Hex())
	}
	if !merkle.Verify(permit.RelayerSetRoot, req.Proof, req.Relayer) {
		return types.Deny(types.DenyRelayerNotInSet, "relayer %s", req.Relayer.Hex())
	}
	if !methodAllowed(permit.MethodsBitmap, req.Method) {
		return types.Deny(types.DenyMethodNotAllowed, "%s", req.Method)
	}
	capped := permit.MaxNotionalPerTrade.Sign() > 0 || permit.MaxNotionalPerSession.Sign() > 0
	if req.Unpriced && capped {
		return types.Deny(types.DenyUnpricedOrder, "%s without a limit price cannot be checked against the session caps", req.Method)
	}
	notional := orZero(req.Notional)
	if permit.MaxNotionalPerTrade.Sign() > 0 && notional.Cmp(permit.MaxNotionalPerTrade) > 0 {
		return types.Deny(types.DenyPerTradeCap, "notional %s > cap %s", notional, permit.MaxNotionalPerTrade)
	}
	if permit.MaxNotionalPerSession.Sign() > 0 {
		total := new(big.Int).Add(permit.SessionNotionalUsed, notional)
		if total.Cmp(permit.MaxNotionalPerSession) > 0 {
			return types.Deny(types.DenySessionCap, "used %s + notional %s > cap %s",
				permit.SessionNotionalUsed, notional, permit.MaxNotionalPerSession)
		}
	}
	return nil
}

// ResolveMarket maps a market id to its order book and rejects settled markets.
func ResolveMarket(ctx context.Context, vault VaultReader, marketID common.Hash) (common.Address, error) {
	settled, err := vault.MarketSettled(ctx, marketID)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to read market %s: %w", marketID.Hex(), err)
	}
	if settled {
		return common.Address{}, types.Deny(types.DenyMarketSettled, "market %s", marketID.Hex())
	}
	orderBook, err := vault.MarketToOrderBook(ctx, marketID)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to resolve market %s: %w", marketID.Hex(), err)
	}
	if orderBook == (common.Address{}) {
		return common.Address{}, types.Deny(types.DenyOrderbookNotAllowed, "market %s has no order book", marketID.Hex())
	}
	return orderBook, nil
}
