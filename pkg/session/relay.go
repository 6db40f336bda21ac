package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
	"github.com/scalarorg/session-relayer/pkg/dispatch"
	"github.com/scalarorg/session-relayer/pkg/keypool"
	"github.com/scalarorg/session-relayer/pkg/merkle"
	"github.com/scalarorg/session-relayer/pkg/types"
)

const (
	LABEL_CREATE_SESSION = "registry.createSession"
	LABEL_EXECUTE        = "registry.execute"
	SESSION_MINE_TIMEOUT = 60 * time.Second
	SESSION_MINE_POLL    = 2 * time.Second
)

// Dispatcher is the submission surface used for trades. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	SelectRelayer(poolName string, chainID uint64, stickyKey string) (*keypool.RelayerKey, error)
	Dispatch(ctx context.Context, poolName string, chain *evm.EvmClient, stickyKey string, action dispatch.Action) (*dispatch.TxHandle, error)
	DispatchWith(ctx context.Context, chain *evm.EvmClient, key *keypool.RelayerKey, stickyKey string, action dispatch.Action) (*dispatch.TxHandle, error)
}

// TradeRequest is the body of POST /trades. Either sessionId (with trader) or a signed
// permit message opens the path; either orderBook or market names the venue.
type TradeRequest struct {
	OrderBook string        `json:"orderBook" validate:"required_without=Market,omitempty,eth_addr"`
	Market    string        `json:"market" validate:"required_without=OrderBook,omitempty,hexadecimal"`
	Method    string        `json:"method" validate:"required,oneof=placeLimitOrder placeMarketOrder cancelOrder closePosition"`
	Trader    string        `json:"trader" validate:"required_without=Message,omitempty,eth_addr"`
	SessionID string        `json:"sessionId" validate:"required_without=Message,omitempty,hexadecimal"`
	Message   *SignedPermit `json:"message" validate:"required_without=SessionID"`
	Signature string        `json:"signature" validate:"required_with=Message"`
	Params    TradeParams   `json:"params"`
	Proof     []common.Hash `json:"proof"`
}

type TradeResult struct {
	SessionID     string `json:"sessionId"`
	TxHash        string `json:"txHash"`
	Relayer       string `json:"relayer"`
	Nonce         uint64 `json:"nonce"`
	Notional      string `json:"notional"`
	SessionTxHash string `json:"sessionTxHash,omitempty"`
}

// TradeRelayer authorizes a trade against its session and relays registry.execute on the hub.
type TradeRelayer struct {
	authorizer *Authorizer
	vault      VaultReader
	dispatcher Dispatcher
	pools      *keypool.Registry
	poolName   string
	hub        *evm.EvmClient
	mineWait   time.Duration
}

func NewTradeRelayer(authorizer *Authorizer, vault VaultReader, dispatcher Dispatcher, pools *keypool.Registry,
	poolName string, hub *evm.EvmClient) (*TradeRelayer, error) {
	if hub == nil || hub.Config.Registry == "" {
		return nil, types.NewConfigError("chains", "hub chain has no registry address")
	}
	if _, err := pools.Pool(poolName); err != nil {
		return nil, err
	}
	return &TradeRelayer{
		authorizer: authorizer,
		vault:      vault,
		dispatcher: dispatcher,
		pools:      pools,
		poolName:   poolName,
		hub:        hub,
		mineWait:   SESSION_MINE_TIMEOUT,
	}, nil
}

// RelayerSet builds the Merkle tree over the trade pool's addresses.
func (r *TradeRelayer) RelayerSet() (*merkle.Tree, error) {
	addresses, err := r.pools.AddressesOf(r.poolName)
	if err != nil {
		return nil, err
	}
	return merkle.BuildTree(addresses), nil
}

func (r *TradeRelayer) Execute(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	method, err := ParseMethod(req.Method)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err)
	}
	orderBook, err := r.resolveOrderBook(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &TradeResult{}
	var sessionID common.Hash
	var trader common.Address
	if req.Message != nil {
		signature, err := DecodeSignature(req.Signature)
		if err != nil {
			return nil, types.Deny(types.DenyBadSignature, "%v", err)
		}
		if err := VerifyPermitSignature(req.Message, signature); err != nil {
			return nil, err
		}
		sessionID = req.Message.SessionID()
		trader = req.Message.Trader
		txHash, err := r.ensureSession(ctx, sessionID, req.Message, signature)
		if err != nil {
			return nil, err
		}
		result.SessionTxHash = txHash
	} else {
		sessionID = common.HexToHash(req.SessionID)
		trader = common.HexToAddress(req.Trader)
	}
	stickyKey := sessionID.Hex()
	result.SessionID = stickyKey

	relayer, err := r.dispatcher.SelectRelayer(r.poolName, r.hub.ChainID, stickyKey)
	if err != nil {
		return nil, err
	}
	proof := req.Proof
	if len(proof) == 0 {
		tree, err := r.RelayerSet()
		if err != nil {
			return nil, err
		}
		proof, err = tree.ProofFor(relayer.Address)
		if err != nil {
			return nil, types.NewConfigError("pools", "%v", err)
		}
	}

	notional := Notional(method, req.Params)
	err = r.authorizer.Authorize(ctx, AuthRequest{
		SessionID: sessionID,
		Trader:    trader,
		OrderBook: orderBook,
		Method:    method,
		Notional:  notional,
		Unpriced:  Unpriced(method, req.Params),
		Relayer:   relayer.Address,
		Proof:     proof,
	})
	if err != nil {
		return nil, err
	}

	data, err := EncodeCall(method, req.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err)
	}
	input, err := evm.PackExecute(sessionID, orderBook, uint8(method), data, notional, toBytes32(proof))
	if err != nil {
		return nil, fmt.Errorf("failed to pack execute: %w", err)
	}
	//the proof is bound to relayer, so the same key must sign
	handle, err := r.dispatcher.DispatchWith(ctx, r.hub, relayer, stickyKey, dispatch.Action{
		Label: LABEL_EXECUTE,
		To:    common.HexToAddress(r.hub.Config.Registry),
		Data:  input,
	})
	if err != nil {
		r.logCollateral(ctx, trader, method, err)
		return nil, err
	}
	log.Info().Str("sessionId", stickyKey).Str("method", method.String()).Str("notional", notional.String()).
		Str("relayer", handle.Relayer.Hex()).Str("txHash", handle.Hash.Hex()).
		Msg("[TradeRelayer] [Execute] trade relayed")

	result.TxHash = handle.Hash.Hex()
	result.Relayer = handle.Relayer.Hex()
	result.Nonce = handle.Nonce
	result.Notional = notional.String()
	return result, nil
}

func (r *TradeRelayer) resolveOrderBook(ctx context.Context, req TradeRequest) (common.Address, error) {
	if req.OrderBook != "" {
		if !common.IsHexAddress(req.OrderBook) {
			return common.Address{}, fmt.Errorf("%w: orderBook %q is not an address", types.ErrInvalidRequest, req.OrderBook)
		}
		return common.HexToAddress(req.OrderBook), nil
	}
	if r.vault == nil {
		return common.Address{}, types.NewConfigError("chains", "hub chain has no vault for market resolution")
	}
	return ResolveMarket(ctx, r.vault, common.HexToHash(req.Market))
}

// ensureSession relays createSession when the session is not on chain yet and waits until
// it is mined.
func (r *TradeRelayer) ensureSession(ctx context.Context, sessionID common.Hash, permit *SignedPermit, signature []byte) (string, error) {
	existing, err := r.authorizer.LoadPermit(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if existing.Trader != (common.Address{}) {
		return "", nil
	}
	input, err := permit.CreateSessionCall(signature)
	if err != nil {
		return "", fmt.Errorf("failed to pack createSession: %w", err)
	}
	handle, err := r.dispatcher.Dispatch(ctx, r.poolName, r.hub, sessionID.Hex(), dispatch.Action{
		Label: LABEL_CREATE_SESSION,
		To:    common.HexToAddress(r.hub.Config.Registry),
		Data:  input,
	})
	if err != nil {
		return "", err
	}
	log.Info().Str("sessionId", sessionID.Hex()).Str("trader", permit.Trader.Hex()).Str("txHash", handle.Hash.Hex()).
		Msg("[TradeRelayer] [ensureSession] session creation relayed")
	if err := r.waitMined(ctx, handle.Hash); err != nil {
		return handle.Hash.Hex(), err
	}
	return handle.Hash.Hex(), nil
}

func (r *TradeRelayer) waitMined(ctx context.Context, txHash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, r.mineWait)
	defer cancel()
	ticker := time.NewTicker(SESSION_MINE_POLL)
	defer ticker.Stop()
	for {
		receipt, err := r.hub.ReceiptStatus(ctx, txHash)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("failed to read createSession receipt: %w", err)
		}
		if receipt != nil {
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return &types.DispatchFatal{Label: LABEL_CREATE_SESSION, Err: fmt.Errorf("transaction %s reverted", txHash.Hex())}
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("createSession %s not mined: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

type collateralReader interface {
	GetAvailableCollateral(ctx context.Context, user common.Address) (*big.Int, error)
}

// logCollateral adds the trader's free collateral to a reverted order simulation so the
// failure can be diagnosed without a chain explorer.
func (r *TradeRelayer) logCollateral(ctx context.Context, trader common.Address, method Method, cause error) {
	var simulate *types.SimulateFailed
	if !errors.As(cause, &simulate) || method == MethodCancelOrder {
		return
	}
	reader, ok := r.vault.(collateralReader)
	if !ok {
		return
	}
	available, err := reader.GetAvailableCollateral(ctx, trader)
	if err != nil {
		log.Debug().Err(err).Str("trader", trader.Hex()).Msg("[TradeRelayer] [Execute] cannot read collateral")
		return
	}
	log.Warn().Str("trader", trader.Hex()).Str("method", method.String()).Str("available", available.String()).
		Str("reason", simulate.Reason).Msg("[TradeRelayer] [Execute] order simulation reverted")
}

func toBytes32(proof []common.Hash) [][32]byte {
	out := make([][32]byte, len(proof))
	for i, node := range proof {
		out[i] = node
	}
	return out
}
