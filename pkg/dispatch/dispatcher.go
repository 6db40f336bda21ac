package dispatch

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
	"github.com/scalarorg/session-relayer/pkg/db/models"
	"github.com/scalarorg/session-relayer/pkg/keypool"
	"github.com/scalarorg/session-relayer/pkg/metrics"
	"github.com/scalarorg/session-relayer/pkg/tracing"
	"github.com/scalarorg/session-relayer/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DEFAULT_STICKY_CACHE_SIZE = 4096
	GAS_ESTIMATE_MULTIPLIER   = 12 //tenths
)

// Dispatcher submits actions from pooled relayer keys. Nonce selection and submission are
// serialized per (chain, relayer).
type Dispatcher struct {
	pools  *keypool.Registry
	policy RetryPolicy
	audit  AuditStore
	sticky *lru.Cache[string, common.Address]

	mu      sync.Mutex
	cursors map[string]int
	nonces  map[string]uint64

	lockMutex sync.RWMutex
	locks     map[string]*sync.Mutex
}

func NewDispatcher(pools *keypool.Registry, policy RetryPolicy, audit AuditStore, stickySize int) (*Dispatcher, error) {
	if stickySize <= 0 {
		stickySize = DEFAULT_STICKY_CACHE_SIZE
	}
	sticky, err := lru.New[string, common.Address](stickySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create sticky route cache: %w", err)
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Dispatcher{
		pools:   pools,
		policy:  policy,
		audit:   audit,
		sticky:  sticky,
		cursors: make(map[string]int),
		nonces:  make(map[string]uint64),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func relayerKey(chainID uint64, relayer common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, relayer.Hex())
}

func (d *Dispatcher) getOrCreateLock(chainID uint64, relayer common.Address) *sync.Mutex {
	key := relayerKey(chainID, relayer)
	d.lockMutex.RLock()
	lock, exists := d.locks[key]
	d.lockMutex.RUnlock()
	if exists {
		return lock
	}
	d.lockMutex.Lock()
	defer d.lockMutex.Unlock()
	if lock, exists := d.locks[key]; exists {
		return lock
	}
	lock = &sync.Mutex{}
	d.locks[key] = lock
	return lock
}

// WithRelayer runs fn while holding the (chain, relayer) submission lock.
func (d *Dispatcher) WithRelayer(ctx context.Context, chainID uint64, relayer common.Address, fn func(ctx context.Context) error) error {
	lock := d.getOrCreateLock(chainID, relayer)
	lock.Lock()
	defer lock.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// SelectRelayer returns the sticky relayer for stickyKey, or the next key round-robin.
func (d *Dispatcher) SelectRelayer(poolName string, chainID uint64, stickyKey string) (*keypool.RelayerKey, error) {
	pool, err := d.pools.Pool(poolName)
	if err != nil {
		return nil, err
	}
	keys := pool.KeysFor(chainID)
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: pool %s has no key for chain %d", types.ErrNoRelayer, poolName, chainID)
	}
	routeKey := fmt.Sprintf("%d/%s/%s", chainID, poolName, stickyKey)
	if stickyKey != "" {
		if address, ok := d.sticky.Get(routeKey); ok {
			if key, ok := pool.Key(address); ok && key.Serves(chainID) {
				return key, nil
			}
		}
	}
	cursorKey := fmt.Sprintf("%d/%s", chainID, poolName)
	d.mu.Lock()
	idx := d.cursors[cursorKey] % len(keys)
	d.cursors[cursorKey] = idx + 1
	d.mu.Unlock()
	key := keys[idx]
	if stickyKey != "" {
		d.sticky.Add(routeKey, key.Address)
	}
	return key, nil
}

// Dispatch selects a relayer and submits the action with the retry policy.
func (d *Dispatcher) Dispatch(ctx context.Context, poolName string, chain *evm.EvmClient, stickyKey string, action Action) (*TxHandle, error) {
	key, err := d.SelectRelayer(poolName, chain.ChainID, stickyKey)
	if err != nil {
		return nil, err
	}
	return d.DispatchWith(ctx, chain, key, stickyKey, action)
}

// DispatchWith submits the action from an already selected relayer. Callers that bind
// calldata to the sender, such as a relayer Merkle proof, must use the key they packed.
func (d *Dispatcher) DispatchWith(ctx context.Context, chain *evm.EvmClient, key *keypool.RelayerKey, stickyKey string, action Action) (*TxHandle, error) {
	ctx, span := tracing.Tracer().Start(ctx, "dispatch."+action.Label,
		trace.WithAttributes(
			attribute.Int64("chain.id", int64(chain.ChainID)),
			attribute.String("to", action.To.Hex()),
			attribute.String("relayer", key.Address.Hex()),
		))
	defer span.End()
	start := time.Now()

	if !key.Serves(chain.ChainID) {
		err := fmt.Errorf("%w: relayer %s does not serve chain %d", types.ErrNoRelayer, key.Address.Hex(), chain.ChainID)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	var handle *TxHandle
	err := d.WithRelayer(ctx, chain.ChainID, key.Address, func(ctx context.Context) error {
		var sendErr error
		handle, sendErr = d.SendWithNonceRetry(ctx, chain, key, stickyKey, action)
		return sendErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	metrics.DispatchLatency.WithLabelValues(chain.Name).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("tx.hash", handle.Hash.Hex()), attribute.Int("attempts", handle.Attempts))
	return handle, nil
}

// Simulate dry-runs the action from the given sender. Reverts become *types.SimulateFailed.
func (d *Dispatcher) Simulate(ctx context.Context, chain *evm.EvmClient, from common.Address, action Action) error {
	msg := ethereum.CallMsg{From: from, To: &action.To, Data: action.Data, Value: action.value()}
	_, err := chain.CallContract(ctx, msg, nil)
	if err == nil {
		return nil
	}
	if !evm.IsRevert(err) {
		return fmt.Errorf("failed to simulate %s on %s: %w", action.Label, chain.Name, err)
	}
	metrics.SimulateFailures.WithLabelValues(chain.Name, action.Label).Inc()
	reason := evm.RevertReason(err)
	log.Debug().Str("chain", chain.Name).Str("label", action.Label).Str("reason", reason).
		Msg("[Dispatcher] [Simulate] call reverted")
	return &types.SimulateFailed{Label: action.Label, Reason: reason, Err: err}
}

func (d *Dispatcher) nextNonce(ctx context.Context, chain *evm.EvmClient, relayer common.Address) (uint64, error) {
	pending, err := chain.PendingNonceAt(ctx, relayer)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending nonce for %s: %w", relayer.Hex(), err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cached, ok := d.nonces[relayerKey(chain.ChainID, relayer)]; ok && cached > pending {
		return cached, nil
	}
	return pending, nil
}

func (d *Dispatcher) storeNonce(chainID uint64, relayer common.Address, next uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := relayerKey(chainID, relayer)
	if next > d.nonces[key] {
		d.nonces[key] = next
	}
}

func (d *Dispatcher) gasLimit(ctx context.Context, chain *evm.EvmClient, from common.Address, action Action) (uint64, error) {
	if action.GasLimit > 0 {
		return action.GasLimit, nil
	}
	estimate, err := chain.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &action.To, Data: action.Data, Value: action.value()})
	if err != nil {
		if evm.IsRevert(err) {
			return 0, &types.DispatchFatal{
				Label: action.Label,
				Err:   &types.SimulateFailed{Label: action.Label, Reason: evm.RevertReason(err), Err: err},
			}
		}
		return 0, fmt.Errorf("failed to estimate gas for %s: %w", action.Label, err)
	}
	return estimate * GAS_ESTIMATE_MULTIPLIER / 10, nil
}

func buildTx(chainID uint64, nonce uint64, fees *Fees, gas uint64, action Action) *ethtypes.Transaction {
	if fees.Legacy() {
		return ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: fees.GasPrice,
			Gas:      gas,
			To:       &action.To,
			Value:    action.value(),
			Data:     action.Data,
		})
	}
	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(chainID),
		Nonce:     nonce,
		GasTipCap: fees.TipCap,
		GasFeeCap: fees.FeeCap,
		Gas:       gas,
		To:        &action.To,
		Value:     action.value(),
		Data:      action.Data,
	})
}

// SendWithNonceRetry signs and submits action from key. The caller must hold the relayer
// lock (see WithRelayer). A failed nonce is never reused.
func (d *Dispatcher) SendWithNonceRetry(ctx context.Context, chain *evm.EvmClient, key *keypool.RelayerKey, stickyKey string, action Action) (*TxHandle, error) {
	gas, err := d.gasLimit(ctx, chain, key.Address, action)
	if err != nil {
		metrics.DispatchAttempts.WithLabelValues(chain.Name, action.Label, "fatal").Inc()
		return nil, err
	}
	fees := SuggestFees(ctx, chain)
	nonce, err := d.nextNonce(ctx, chain, key.Address)
	if err != nil {
		return nil, err
	}
	signer := ethtypes.LatestSignerForChainID(new(big.Int).SetUint64(chain.ChainID))
	bo := d.policy.newBackOff()
	var supersedes *uuid.UUID
	var lastErr error
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		signed, err := ethtypes.SignTx(buildTx(chain.ChainID, nonce, fees, gas, action), signer, key.PrivateKey)
		if err != nil {
			return nil, &types.DispatchFatal{Label: action.Label, Err: fmt.Errorf("failed to sign: %w", err)}
		}
		record := d.newRecord(chain.ChainID, key, stickyKey, action, signed, attempt, supersedes)
		logger := log.With().Str("relayer", key.Address.Hex()).Str("chain", chain.Name).
			Uint64("nonce", nonce).Str("label", action.Label).Int("attempt", attempt).Logger()

		sendErr := chain.SendTransaction(ctx, signed)
		if sendErr != nil && IsKnownTx(sendErr, signed.Hash()) {
			//a timed out primary or the fallback already pooled this exact tx
			logger.Info().Err(sendErr).Msg("[Dispatcher] [SendWithNonceRetry] node already holds the transaction")
			sendErr = nil
		}
		if sendErr == nil {
			d.storeNonce(chain.ChainID, key.Address, nonce+1)
			d.saveRecord(ctx, record)
			metrics.DispatchAttempts.WithLabelValues(chain.Name, action.Label, "sent").Inc()
			logger.Info().Str("txHash", signed.Hash().Hex()).Msg("[Dispatcher] [SendWithNonceRetry] transaction submitted")
			return &TxHandle{
				Hash:     signed.Hash(),
				Relayer:  key.Address,
				ChainID:  chain.ChainID,
				Nonce:    nonce,
				Attempts: attempt,
				RecordID: record.ID,
			}, nil
		}

		lastErr = sendErr
		class := d.policy.classify(sendErr)
		record.Status = models.RelayerTxReplaced
		record.LastError = sendErr.Error()
		d.saveRecord(ctx, record)
		supersedes = &record.ID
		logger.Warn().Err(sendErr).Str("class", class.String()).Msg("[Dispatcher] [SendWithNonceRetry] submission rejected")

		if class == ClassFatal {
			metrics.DispatchAttempts.WithLabelValues(chain.Name, action.Label, "fatal").Inc()
			return nil, &types.DispatchFatal{Label: action.Label, Err: sendErr}
		}
		metrics.DispatchAttempts.WithLabelValues(chain.Name, action.Label, "retry").Inc()
		if class == ClassUnderpriced || class == ClassReplacementUnderpriced {
			fees = fees.Bump(d.policy.FeeBumpPercent)
		}
		if class == ClassNonceConflict || class == ClassReplacementUnderpriced || class == ClassAlreadyKnown {
			pending, err := chain.PendingNonceAt(ctx, key.Address)
			if err != nil {
				return nil, fmt.Errorf("failed to refetch nonce for %s: %w", key.Address.Hex(), err)
			}
			if pending > nonce+1 {
				nonce = pending
			} else {
				nonce++
			}
			d.storeNonce(chain.ChainID, key.Address, nonce)
		}
		if attempt == d.policy.MaxAttempts {
			break
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	metrics.DispatchAttempts.WithLabelValues(chain.Name, action.Label, "exhausted").Inc()
	return nil, &types.DispatchTransient{Attempts: d.policy.MaxAttempts, Err: lastErr}
}

func (d *Dispatcher) newRecord(chainID uint64, key *keypool.RelayerKey, stickyKey string, action Action,
	tx *ethtypes.Transaction, attempt int, supersedes *uuid.UUID) *models.RelayerTransaction {
	record := &models.RelayerTransaction{
		ID:             uuid.New(),
		RelayerAddress: key.Address.Hex(),
		ChainID:        chainID,
		Nonce:          tx.Nonce(),
		GasLimit:       tx.Gas(),
		Label:          action.Label,
		StickyKey:      stickyKey,
		Attempt:        attempt,
		SupersedesID:   supersedes,
		TxHash:         tx.Hash().Hex(),
		Status:         models.RelayerTxSubmitted,
	}
	if tx.Type() == ethtypes.LegacyTxType {
		record.GasFeeCap = tx.GasPrice().String()
		record.GasTipCap = tx.GasPrice().String()
	} else {
		record.GasFeeCap = tx.GasFeeCap().String()
		record.GasTipCap = tx.GasTipCap().String()
	}
	return record
}

// saveRecord never fails a submission: the chain is the source of truth.
func (d *Dispatcher) saveRecord(ctx context.Context, record *models.RelayerTransaction) {
	if d.audit == nil {
		return
	}
	if err := d.audit.SaveRelayerTransaction(ctx, record); err != nil {
		log.Error().Err(err).Str("txHash", record.TxHash).Msg("[Dispatcher] failed to persist relayer transaction")
	}
}
