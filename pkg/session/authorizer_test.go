package session_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
	"github.com/scalarorg/session-relayer/pkg/merkle"
	"github.com/scalarorg/session-relayer/pkg/session"
	"github.com/scalarorg/session-relayer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	trader    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	relayer   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	outsider  = common.HexToAddress("0x00000000000000000000000000000000000000b9")
	orderBook = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	sessionID = session.DeriveSessionID(trader, relayer, [32]byte{7})
	now       = time.Unix(1_700_000_000, 0)
)

type fakeRegistry struct {
	sessions  map[common.Hash]*evm.SessionState
	allowed   map[common.Address]bool
	readCalls int
}

func (f *fakeRegistry) Session(ctx context.Context, id [32]byte) (*evm.SessionState, error) {
	f.readCalls++
	if state, ok := f.sessions[common.Hash(id)]; ok {
		copied := *state
		return &copied, nil
	}
	return &evm.SessionState{}, nil
}

func (f *fakeRegistry) AllowedOrderbook(ctx context.Context, book common.Address) (bool, error) {
	return f.allowed[book], nil
}

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), session.WAD)
}

func baseState(tree *merkle.Tree) *evm.SessionState {
	return &evm.SessionState{
		Trader:                trader,
		Relayer:               relayer,
		RelayerSetRoot:        tree.Root(),
		Expiry:                uint64(now.Add(time.Hour).Unix()),
		MaxNotionalPerTrade:   wad(1_000),
		MaxNotionalPerSession: wad(5_000),
		SessionNotionalUsed:   wad(4_500),
		MethodsBitmap:         big.NewInt(0b0101),
	}
}

func TestAuthorizeOrderedChecks(t *testing.T) {
	tree := merkle.BuildTree([]common.Address{relayer, common.HexToAddress("0xb2")})
	proof, err := tree.ProofFor(relayer)
	require.NoError(t, err)
	validRequest := func() session.AuthRequest {
		return session.AuthRequest{
			SessionID: sessionID,
			Trader:    trader,
			OrderBook: orderBook,
			Method:    session.MethodPlaceLimitOrder,
			Notional:  wad(400),
			Relayer:   relayer,
			Proof:     proof,
		}
	}

	testCases := []struct {
		name     string
		mutate   func(state *evm.SessionState, req *session.AuthRequest)
		expected types.DenyReason
	}{
		{"ok", func(*evm.SessionState, *session.AuthRequest) {}, ""},
		{"missing session", func(s *evm.SessionState, r *session.AuthRequest) { r.SessionID = common.Hash{1} }, types.DenySessionNotFound},
		{"trader mismatch", func(s *evm.SessionState, r *session.AuthRequest) { r.Trader = outsider }, types.DenyTraderMismatch},
		{"trader checked before revocation", func(s *evm.SessionState, r *session.AuthRequest) { s.Revoked = true; r.Trader = outsider }, types.DenyTraderMismatch},
		{"revoked only", func(s *evm.SessionState, r *session.AuthRequest) { s.Revoked = true }, types.DenySessionRevoked},
		{"expired", func(s *evm.SessionState, r *session.AuthRequest) { s.Expiry = uint64(now.Add(-time.Second).Unix()) }, types.DenySessionExpired},
		{"no expiry", func(s *evm.SessionState, r *session.AuthRequest) { s.Expiry = 0 }, ""},
		{"order book", func(s *evm.SessionState, r *session.AuthRequest) { r.OrderBook = outsider }, types.DenyOrderbookNotAllowed},
		{"relayer outside set", func(s *evm.SessionState, r *session.AuthRequest) { r.Relayer = outsider }, types.DenyRelayerNotInSet},
		{"method bit unset", func(s *evm.SessionState, r *session.AuthRequest) { r.Method = session.MethodPlaceMarketOrder }, types.DenyMethodNotAllowed},
		{"per trade cap", func(s *evm.SessionState, r *session.AuthRequest) { r.Notional = wad(1_001) }, types.DenyPerTradeCap},
		{"per trade cap disabled", func(s *evm.SessionState, r *session.AuthRequest) {
			s.MaxNotionalPerTrade = big.NewInt(0)
			s.SessionNotionalUsed = big.NewInt(0)
			r.Notional = wad(2_000)
		}, ""},
		{"session cap", func(s *evm.SessionState, r *session.AuthRequest) { r.Notional = wad(501) }, types.DenySessionCap},
		{"session cap exact", func(s *evm.SessionState, r *session.AuthRequest) { r.Notional = wad(500) }, ""},
		{"unpriced in capped session", func(s *evm.SessionState, r *session.AuthRequest) {
			r.Notional = big.NewInt(0)
			r.Unpriced = true
		}, types.DenyUnpricedOrder},
		{"unpriced checked after method", func(s *evm.SessionState, r *session.AuthRequest) {
			r.Method = session.MethodPlaceMarketOrder
			r.Unpriced = true
		}, types.DenyMethodNotAllowed},
		{"unpriced without caps", func(s *evm.SessionState, r *session.AuthRequest) {
			s.MaxNotionalPerTrade = big.NewInt(0)
			s.MaxNotionalPerSession = big.NewInt(0)
			r.Notional = big.NewInt(0)
			r.Unpriced = true
		}, ""},
		{"cancel has no notional", func(s *evm.SessionState, r *session.AuthRequest) {
			r.Method = session.MethodCancelOrder
			r.Notional = session.Notional(session.MethodCancelOrder, session.TradeParams{})
			s.SessionNotionalUsed = wad(5_000)
		}, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			state := baseState(tree)
			req := validRequest()
			tc.mutate(state, &req)
			registry := &fakeRegistry{
				sessions: map[common.Hash]*evm.SessionState{sessionID: state},
				allowed:  map[common.Address]bool{orderBook: true},
			}
			authorizer := session.NewAuthorizer(registry).WithClock(func() time.Time { return now })
			err := authorizer.Authorize(context.Background(), req)
			if tc.expected == "" {
				require.NoError(t, err)
				return
			}
			var denied *types.AuthDenied
			require.ErrorAs(t, err, &denied)
			assert.Equal(t, tc.expected, denied.Reason)
		})
	}
}

type failingRegistry struct{ fakeRegistry }

func (f *failingRegistry) Session(ctx context.Context, id [32]byte) (*evm.SessionState, error) {
	return nil, errors.New("rpc down")
}

func TestAuthorizeReadFailureIsNotDenial(t *testing.T) {
	authorizer := session.NewAuthorizer(&failingRegistry{})
	err := authorizer.Authorize(context.Background(), session.AuthRequest{SessionID: sessionID})
	require.Error(t, err)
	assert.False(t, types.IsAuthDenied(err))
}

func TestNotional(t *testing.T) {
	params := session.TradeParams{
		Price:      (*hexutil.Big)(wad(2)),
		Size:       (*hexutil.Big)(wad(150)),
		LimitPrice: (*hexutil.Big)(wad(3)),
	}
	assert.Equal(t, wad(300).String(), session.Notional(session.MethodPlaceLimitOrder, params).String())
	assert.Equal(t, wad(450).String(), session.Notional(session.MethodPlaceMarketOrder, params).String())
	assert.Equal(t, "0", session.Notional(session.MethodCancelOrder, params).String())

	assert.False(t, session.Unpriced(session.MethodPlaceMarketOrder, params))
	params.LimitPrice = nil
	assert.True(t, session.Unpriced(session.MethodPlaceMarketOrder, params))
	assert.True(t, session.Unpriced(session.MethodClosePosition, params))
	assert.False(t, session.Unpriced(session.MethodPlaceLimitOrder, params))
	assert.False(t, session.Unpriced(session.MethodCancelOrder, params))
}

func TestDeriveSessionID(t *testing.T) {
	a := session.DeriveSessionID(trader, relayer, [32]byte{1})
	b := session.DeriveSessionID(trader, relayer, [32]byte{1})
	c := session.DeriveSessionID(trader, relayer, [32]byte{2})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestVerifyPermitSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	permit := &session.SignedPermit{
		Trader:              crypto.PubkeyToAddress(key.PublicKey),
		Relayer:             relayer,
		Salt:                common.Hash{9},
		Expiry:              uint64(now.Add(time.Hour).Unix()),
		MaxNotionalPerTrade: (*hexutil.Big)(wad(10)),
		MethodsBitmap:       (*hexutil.Big)(big.NewInt(1)),
	}
	digest, err := permit.Digest()
	require.NoError(t, err)
	sig, err := crypto.Sign(digest[:], key)
	require.NoError(t, err)

	require.NoError(t, session.VerifyPermitSignature(permit, sig))
	sig[crypto.RecoveryIDOffset] += 27
	require.NoError(t, session.VerifyPermitSignature(permit, sig))

	tampered := *permit
	tampered.Expiry++
	err = session.VerifyPermitSignature(&tampered, sig)
	var denied *types.AuthDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, types.DenyBadSignature, denied.Reason)

	err = session.VerifyPermitSignature(permit, sig[:10])
	require.ErrorAs(t, err, &denied)

	call, err := permit.CreateSessionCall(sig)
	require.NoError(t, err)
	method, err := evm.RegistryABI.MethodById(call[:4])
	require.NoError(t, err)
	assert.Equal(t, "createSession", method.Name)
}
