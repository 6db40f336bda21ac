package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/txpool"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/scalarorg/session-relayer/config"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
	"github.com/scalarorg/session-relayer/pkg/clients/evm/evmtest"
	"github.com/scalarorg/session-relayer/pkg/db/models"
	"github.com/scalarorg/session-relayer/pkg/dispatch"
	"github.com/scalarorg/session-relayer/pkg/keypool"
	"github.com/scalarorg/session-relayer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	TEST_KEY_1 = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	TEST_KEY_2 = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	POOL_NAME  = "trade"
	CHAIN_ID   = 137
)

var (
	relayer1 = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	target   = common.HexToAddress("0x000000000000000000000000000000000000c0de")
)

type memAudit struct {
	mu   sync.Mutex
	rows []models.RelayerTransaction
}

func (m *memAudit) SaveRelayerTransaction(ctx context.Context, tx *models.RelayerTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *tx)
	return nil
}

func (m *memAudit) ListSubmittedTransactions(ctx context.Context, chainID uint64, limit int) ([]models.RelayerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []models.RelayerTransaction
	for _, row := range m.rows {
		if row.ChainID == chainID && row.Status == models.RelayerTxSubmitted {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (m *memAudit) UpdateRelayerTransactionStatus(ctx context.Context, id uuid.UUID, status models.RelayerTxStatus, blockNumber uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].ID == id {
			m.rows[i].Status = status
			m.rows[i].BlockNumber = &blockNumber
			return nil
		}
	}
	return fmt.Errorf("row %s not found", id)
}

func (m *memAudit) snapshot() []models.RelayerTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.RelayerTransaction(nil), m.rows...)
}

func testPolicy() dispatch.RetryPolicy {
	return dispatch.RetryPolicy{
		MaxAttempts:    3,
		FeeBumpPercent: 20,
		Backoff:        time.Millisecond,
		Classify:       dispatch.ClassifySendError,
	}
}

func setup(t *testing.T, keys ...string) (*dispatch.Dispatcher, *evm.EvmClient, *evmtest.FakeBackend, *memAudit) {
	t.Helper()
	if len(keys) == 0 {
		keys = []string{TEST_KEY_1}
	}
	pool, err := keypool.LoadPool(config.PoolConfig{Name: POOL_NAME, Keys: keys}, 0)
	require.NoError(t, err)
	backend := evmtest.NewFakeBackend(CHAIN_ID)
	chain := evm.NewEvmClientWithBackends(&config.ChainConfig{
		ChainID:             CHAIN_ID,
		Name:                "polygon",
		DefaultGasPriceGwei: 30,
	}, backend, nil)
	audit := &memAudit{}
	dispatcher, err := dispatch.NewDispatcher(keypool.NewRegistry(pool), testPolicy(), audit, 16)
	require.NoError(t, err)
	return dispatcher, chain, backend, audit
}

// attemptsRecorder rejects the first len(errs) submissions with the given errors.
func attemptsRecorder(errs ...error) (func(tx *ethtypes.Transaction, attempt int) error, func() []*ethtypes.Transaction) {
	var mu sync.Mutex
	var seen []*ethtypes.Transaction
	hook := func(tx *ethtypes.Transaction, attempt int) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tx)
		if attempt <= len(errs) {
			return errs[attempt-1]
		}
		return nil
	}
	return hook, func() []*ethtypes.Transaction {
		mu.Lock()
		defer mu.Unlock()
		return append([]*ethtypes.Transaction(nil), seen...)
	}
}

func action() dispatch.Action {
	return dispatch.Action{Label: "execute", To: target, Data: []byte{0x01, 0x02}}
}

func TestNonceRetryConvergence(t *testing.T) {
	dispatcher, chain, backend, audit := setup(t)
	backend.SetNonce(relayer1, 7)
	hook, attempts := attemptsRecorder(errors.New("nonce too low: next nonce 8, tx nonce 7"))
	backend.SendHook = hook

	handle, err := dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "", action())
	require.NoError(t, err)
	assert.Equal(t, 2, handle.Attempts)
	assert.Equal(t, uint64(8), handle.Nonce)
	assert.Equal(t, relayer1, handle.Relayer)

	tried := attempts()
	require.Len(t, tried, 2)
	assert.Equal(t, uint64(7), tried[0].Nonce())
	assert.Equal(t, uint64(8), tried[1].Nonce())

	sent := backend.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, handle.Hash, sent[0].Hash())

	rows := audit.snapshot()
	require.Len(t, rows, 2)
	assert.Equal(t, models.RelayerTxReplaced, rows[0].Status)
	assert.Equal(t, uint64(7), rows[0].Nonce)
	assert.Equal(t, models.RelayerTxSubmitted, rows[1].Status)
	require.NotNil(t, rows[1].SupersedesID)
	assert.Equal(t, rows[0].ID, *rows[1].SupersedesID)
}

func TestNonceNeverReusedAfterConflict(t *testing.T) {
	dispatcher, chain, backend, _ := setup(t)
	backend.SetNonce(relayer1, 3)
	hook, _ := attemptsRecorder(errors.New("nonce too low"))
	backend.SendHook = hook

	_, err := dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "", action())
	require.NoError(t, err)
	//node forgets the accepted tx; the cache still moves past both used nonces
	backend.SetNonce(relayer1, 3)
	handle, err := dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "", action())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), handle.Nonce)
}

func TestUnderpricedBumpsFeesKeepsNonce(t *testing.T) {
	dispatcher, chain, backend, _ := setup(t)
	hook, attempts := attemptsRecorder(txpool.ErrUnderpriced)
	backend.SendHook = hook

	handle, err := dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "", action())
	require.NoError(t, err)
	tried := attempts()
	require.Len(t, tried, 2)
	assert.Equal(t, tried[0].Nonce(), tried[1].Nonce())
	assert.Equal(t, tried[0].Nonce(), handle.Nonce)
	expectedCap := new(big.Int).Div(new(big.Int).Mul(tried[0].GasFeeCap(), big.NewInt(120)), big.NewInt(100))
	assertBig(t, expectedCap, tried[1].GasFeeCap())
	assert.Equal(t, 1, tried[1].GasTipCap().Cmp(tried[0].GasTipCap()))
}

func TestReplacementUnderpricedBumpsAndAdvances(t *testing.T) {
	dispatcher, chain, backend, _ := setup(t)
	backend.SetNonce(relayer1, 2)
	hook, attempts := attemptsRecorder(txpool.ErrReplaceUnderpriced)
	backend.SendHook = hook

	handle, err := dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "", action())
	require.NoError(t, err)
	tried := attempts()
	require.Len(t, tried, 2)
	assert.Equal(t, uint64(2), tried[0].Nonce())
	assert.Equal(t, uint64(3), handle.Nonce)
	assert.Equal(t, 1, tried[1].GasFeeCap().Cmp(tried[0].GasFeeCap()))
}

func TestAlreadyKnownIsAcceptedWithoutResigning(t *testing.T) {
	dispatcher, chain, backend, audit := setup(t)
	hook, attempts := attemptsRecorder(txpool.ErrAlreadyKnown)
	backend.SendHook = hook

	handle, err := dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "", action())
	require.NoError(t, err)
	tried := attempts()
	require.Len(t, tried, 1)
	assert.Equal(t, uint64(0), handle.Nonce)
	assert.Equal(t, 1, handle.Attempts)
	assert.Equal(t, tried[0].Hash(), handle.Hash)

	rows := audit.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, models.RelayerTxSubmitted, rows[0].Status)
	assert.Equal(t, handle.Hash.Hex(), rows[0].TxHash)

	//the pooled tx holds nonce 0 even though this node never reported it
	handle, err = dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "", action())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), handle.Nonce)
}

func TestKnownTransactionWithOtherHashAdvances(t *testing.T) {
	dispatcher, chain, backend, _ := setup(t)
	hook, attempts := attemptsRecorder(fmt.Errorf("known transaction: %s", common.HexToHash("0xbeef").Hex()))
	backend.SendHook = hook

	handle, err := dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "", action())
	require.NoError(t, err)
	tried := attempts()
	require.Len(t, tried, 2)
	assert.Equal(t, uint64(0), tried[0].Nonce())
	assert.Equal(t, uint64(1), handle.Nonce)
}

func TestFatalErrorNotRetried(t *testing.T) {
	dispatcher, chain, backend, audit := setup(t)
	hook, attempts := attemptsRecorder(errors.New("insufficient funds for gas * price + value"))
	backend.SendHook = hook

	_, err := dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "", action())
	var fatal *types.DispatchFatal
	require.ErrorAs(t, err, &fatal)
	assert.Len(t, attempts(), 1)
	assert.Empty(t, backend.Sent())
	require.Len(t, audit.snapshot(), 1)
}

func TestRetryBudgetIsBounded(t *testing.T) {
	dispatcher, chain, backend, _ := setup(t)
	conflict := errors.New("nonce too low")
	hook, attempts := attemptsRecorder(conflict, conflict, conflict, conflict)
	backend.SendHook = hook

	_, err := dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "", action())
	var transient *types.DispatchTransient
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, 3, transient.Attempts)
	assert.ErrorIs(t, err, conflict)

	tried := attempts()
	require.Len(t, tried, 3)
	nonces := map[uint64]bool{}
	for _, tx := range tried {
		nonces[tx.Nonce()] = true
	}
	assert.Len(t, nonces, 3)
}

func TestEstimateRevertIsFatal(t *testing.T) {
	dispatcher, chain, backend, _ := setup(t)
	backend.EstimateErr = &evm.RevertError{Message: "execution reverted: market closed"}

	_, err := dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "", action())
	var fatal *types.DispatchFatal
	require.ErrorAs(t, err, &fatal)
	var simulate *types.SimulateFailed
	require.ErrorAs(t, err, &simulate)
	assert.Equal(t, "market closed", simulate.Reason)
	assert.Empty(t, backend.Sent())
}

func TestStickyRouting(t *testing.T) {
	dispatcher, chain, _, _ := setup(t, TEST_KEY_1, TEST_KEY_2)

	first, err := dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "deposit-a", action())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "deposit-a", action())
		require.NoError(t, err)
		assert.Equal(t, first.Relayer, again.Relayer)
	}
	other, err := dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "deposit-b", action())
	require.NoError(t, err)
	assert.NotEqual(t, first.Relayer, other.Relayer)
}

func TestConcurrentDispatchUsesDistinctNonces(t *testing.T) {
	dispatcher, chain, backend, _ := setup(t)
	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "", action())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	sent := backend.Sent()
	require.Len(t, sent, n)
	nonces := make([]int, 0, n)
	for _, tx := range sent {
		nonces = append(nonces, int(tx.Nonce()))
	}
	sort.Ints(nonces)
	for i, nonce := range nonces {
		assert.Equal(t, i, nonce)
	}
}

func TestSimulateRevert(t *testing.T) {
	dispatcher, chain, backend, _ := setup(t)
	backend.OnCall(target, func(from common.Address, data []byte) ([]byte, error) {
		return nil, &evm.RevertError{Message: "execution reverted: cap exceeded"}
	})
	err := dispatcher.Simulate(context.Background(), chain, relayer1, action())
	var simulate *types.SimulateFailed
	require.ErrorAs(t, err, &simulate)
	assert.Equal(t, "cap exceeded", simulate.Reason)
	assert.Equal(t, "execute", simulate.Label)
}

func TestReceiptTrackerSettlesRows(t *testing.T) {
	dispatcher, chain, backend, audit := setup(t)
	backend.SetHead(55)
	_, err := dispatcher.Dispatch(context.Background(), POOL_NAME, chain, "", action())
	require.NoError(t, err)

	tracker := dispatch.NewReceiptTracker(audit, map[uint64]*evm.EvmClient{CHAIN_ID: chain}, time.Second)
	assert.Equal(t, 1, tracker.Poll(context.Background()))
	rows := audit.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, models.RelayerTxMined, rows[0].Status)
	require.NotNil(t, rows[0].BlockNumber)
	assert.Equal(t, uint64(55), *rows[0].BlockNumber)
	assert.Equal(t, 0, tracker.Poll(context.Background()))
}
