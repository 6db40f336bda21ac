package bridge_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/scalarorg/session-relayer/config"
	"github.com/scalarorg/session-relayer/pkg/bridge"
	"github.com/scalarorg/session-relayer/pkg/bridge/bridgetest"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
	"github.com/scalarorg/session-relayer/pkg/clients/evm/evmtest"
	"github.com/scalarorg/session-relayer/pkg/db/models"
	"github.com/scalarorg/session-relayer/pkg/dispatch"
	"github.com/scalarorg/session-relayer/pkg/finality"
	"github.com/scalarorg/session-relayer/pkg/keypool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	TEST_KEY     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	BRIDGE_POOL  = "bridge"
	SPOKE_ID     = 137
	HUB_ID       = 8453
	CONFIRMATION = 20
)

var (
	outboxAddr = common.HexToAddress("0x00000000000000000000000000000000000b0b01")
	inboxAddr  = common.HexToAddress("0x00000000000000000000000000000000000b0b02")
	tokenAddr  = common.HexToAddress("0x00000000000000000000000000000000000e2c20")
	userAddr   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

// bridgeContract mimics the outbox/inbox idempotency checks: a call for an id that was
// already sent reverts with the contract's custom error.
type bridgeContract struct {
	mu       sync.Mutex
	done     map[common.Hash]bool
	errorID  []byte
	idOf     func(data []byte) common.Hash
	revertOn string
}

func newOutbox() *bridgeContract {
	return &bridgeContract{
		done:    make(map[common.Hash]bool),
		errorID: evm.OutboxABI.Errors["AlreadySent"].ID.Bytes()[:4],
		idOf: func(data []byte) common.Hash {
			values, err := evm.OutboxABI.Methods["sendDeposit"].Inputs.Unpack(data[4:])
			if err != nil {
				panic(err)
			}
			return common.Hash(values[0].([32]byte))
		},
	}
}

func newInbox() *bridgeContract {
	return &bridgeContract{
		done:    make(map[common.Hash]bool),
		errorID: evm.InboxABI.Errors["AlreadyProcessed"].ID.Bytes()[:4],
		idOf: func(data []byte) common.Hash {
			values, err := evm.InboxABI.Methods["receiveMessage"].Inputs.Unpack(data[4:])
			if err != nil {
				panic(err)
			}
			message, err := bridge.DecodeMessage(values[2].([]byte))
			if err != nil {
				panic(err)
			}
			return message.DepositID
		},
	}
}

func errorStringRevert(reason string) *evm.RevertError {
	stringTy, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: stringTy}}.Pack(reason)
	data := append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
	return &evm.RevertError{Message: "execution reverted: " + reason, Data: data}
}

func (b *bridgeContract) call(from common.Address, data []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.revertOn != "" {
		return nil, errorStringRevert(b.revertOn)
	}
	id := b.idOf(data)
	if b.done[id] {
		return nil, &evm.RevertError{Message: "execution reverted", Data: append(append([]byte{}, b.errorID...), id[:]...)}
	}
	return nil, nil
}

func (b *bridgeContract) mark(id common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done[id] = true
}

// forget undoes a mark, as when the transaction that carried it reverted.
func (b *bridgeContract) forget(id common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.done, id)
}

func (b *bridgeContract) hook(to common.Address) func(tx *ethtypes.Transaction, attempt int) error {
	return func(tx *ethtypes.Transaction, attempt int) error {
		if tx.To() != nil && *tx.To() == to {
			b.mark(b.idOf(tx.Data()))
		}
		return nil
	}
}

type harness struct {
	pipeline   *bridge.Pipeline
	ledger     *bridgetest.MemLedger
	gate       *finality.Gate
	dispatcher *dispatch.Dispatcher
	chains     map[uint64]*evm.EvmClient
	spoke      *evmtest.FakeBackend
	hub        *evmtest.FakeBackend
	outbox     *bridgeContract
	inbox      *bridgeContract
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pool, err := keypool.LoadPool(config.PoolConfig{Name: BRIDGE_POOL, Keys: []string{TEST_KEY}}, 0)
	require.NoError(t, err)
	dispatcher, err := dispatch.NewDispatcher(keypool.NewRegistry(pool), dispatch.RetryPolicy{
		MaxAttempts:    3,
		FeeBumpPercent: 20,
		Backoff:        time.Millisecond,
		Classify:       dispatch.ClassifySendError,
	}, nil, 16)
	require.NoError(t, err)

	h := &harness{
		ledger: bridgetest.NewMemLedger(),
		spoke:  evmtest.NewFakeBackend(SPOKE_ID),
		hub:    evmtest.NewFakeBackend(HUB_ID),
		outbox: newOutbox(),
		inbox:  newInbox(),
	}
	h.spoke.SetHead(1015)
	h.spoke.OnCall(outboxAddr, h.outbox.call)
	h.spoke.SendHook = h.outbox.hook(outboxAddr)
	h.hub.OnCall(inboxAddr, h.inbox.call)
	h.hub.SendHook = h.inbox.hook(inboxAddr)

	spokeClient := evm.NewEvmClientWithBackends(&config.ChainConfig{
		ChainID:               SPOKE_ID,
		Name:                  "polygon",
		Domain:                SPOKE_ID,
		RequiredConfirmations: CONFIRMATION,
		Outbox:                outboxAddr.Hex(),
		DefaultGasPriceGwei:   30,
	}, h.spoke, nil)
	hubClient := evm.NewEvmClientWithBackends(&config.ChainConfig{
		ChainID:             HUB_ID,
		Name:                "hub",
		Inbox:               inboxAddr.Hex(),
		DefaultGasPriceGwei: 30,
	}, h.hub, nil)
	h.gate = finality.NewGate().Register(SPOKE_ID, spokeClient, CONFIRMATION)
	h.dispatcher = dispatcher
	h.chains = map[uint64]*evm.EvmClient{SPOKE_ID: spokeClient, HUB_ID: hubClient}
	h.pipeline, err = bridge.NewPipeline(h.ledger, h.gate, dispatcher, h.chains, bridge.PipelineOptions{
		HubChainID: HUB_ID,
		BridgePool: BRIDGE_POOL,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) observe(t *testing.T, logIndex uint, amount string) string {
	t.Helper()
	txHash := common.HexToHash("0xfeed")
	id := bridge.DepositID(SPOKE_ID, txHash, logIndex).Hex()
	created, err := h.ledger.CreateDepositIfAbsent(context.Background(), &models.DepositRecord{
		DepositID:   id,
		ChainID:     SPOKE_ID,
		TxHash:      txHash.Hex(),
		LogIndex:    logIndex,
		BlockNumber: 1000,
		User:        userAddr.Hex(),
		Token:       tokenAddr.Hex(),
		Amount:      amount,
		Stage:       models.DepositStageObserved,
		ObservedAt:  time.Now(),
	})
	require.NoError(t, err)
	require.True(t, created)
	return id
}

func TestExampleScenario(t *testing.T) {
	h := newHarness(t)
	id := h.observe(t, 3, "100000000")
	ctx := context.Background()

	result, err := h.pipeline.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusDeferred, result.Status)
	assert.Equal(t, uint64(15), result.Confirmations)
	assert.Equal(t, uint64(CONFIRMATION), result.Required)
	assert.Empty(t, h.spoke.Sent())
	assert.Empty(t, h.hub.Sent())

	h.spoke.SetHead(1021)
	result, err = h.pipeline.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusDelivered, result.Status)
	assert.Equal(t, models.DepositStageHubDelivered, result.Stage)
	require.Len(t, h.spoke.SentTo(outboxAddr), 1)
	require.Len(t, h.hub.SentTo(inboxAddr), 1)
	assert.Equal(t, h.spoke.SentTo(outboxAddr)[0].Hash().Hex(), result.OutboxTxHash)
	assert.Equal(t, h.hub.SentTo(inboxAddr)[0].Hash().Hex(), result.HubTxHash)

	record, ok := h.ledger.Get(id)
	require.True(t, ok)
	assert.True(t, record.Processed)
	assert.Equal(t, models.DepositStageHubDelivered, record.Stage)
	require.NotNil(t, record.FinalizedAt)
	require.NotNil(t, record.DeliveredAt)

	result, err = h.pipeline.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusAlreadyProcessed, result.Status)
	assert.Len(t, h.spoke.Sent(), 1)
	assert.Len(t, h.hub.Sent(), 1)
}

func TestDeliveryMessageEncoding(t *testing.T) {
	h := newHarness(t)
	h.spoke.SetHead(2000)
	id := h.observe(t, 0, "42")
	_, err := h.pipeline.Process(context.Background(), id)
	require.NoError(t, err)

	sent := h.hub.SentTo(inboxAddr)
	require.Len(t, sent, 1)
	values, err := evm.InboxABI.Methods["receiveMessage"].Inputs.Unpack(sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, uint32(SPOKE_ID), values[0].(uint32))
	assert.Equal(t, outboxAddr, values[1].(common.Address))
	message, err := bridge.DecodeMessage(values[2].([]byte))
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash(id), message.DepositID)
	assert.Equal(t, uint64(SPOKE_ID), message.SrcChainID)
	assert.Equal(t, userAddr, message.User)
	assert.Equal(t, tokenAddr, message.Token)
	assert.Equal(t, "42", message.Amount.String())
}

func TestConcurrentProcessDeliversOnce(t *testing.T) {
	h := newHarness(t)
	h.spoke.SetHead(1021)
	id := h.observe(t, 1, "5")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.pipeline.Process(context.Background(), id)
			assert.NoError(t, err)
			if result != nil {
				assert.Contains(t, []bridge.Status{bridge.StatusDelivered, bridge.StatusAlreadyProcessed}, result.Status)
			}
		}()
	}
	wg.Wait()
	for i := 0; i < 5; i++ {
		_, err := h.pipeline.Process(context.Background(), id)
		require.NoError(t, err)
	}
	assert.Len(t, h.spoke.SentTo(outboxAddr), 1)
	assert.Len(t, h.hub.SentTo(inboxAddr), 1)
}

func TestOutboxAlreadySentSkipsSpokeTx(t *testing.T) {
	h := newHarness(t)
	h.spoke.SetHead(1021)
	id := h.observe(t, 2, "7")
	h.outbox.mark(common.HexToHash(id))

	result, err := h.pipeline.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusDelivered, result.Status)
	assert.Empty(t, h.spoke.Sent())
	assert.Len(t, h.hub.SentTo(inboxAddr), 1)
	record, _ := h.ledger.Get(id)
	assert.Nil(t, record.OutboxTxHash)
	assert.True(t, record.Processed)
}

func TestInboxAlreadyProcessedMarksWithoutTx(t *testing.T) {
	h := newHarness(t)
	h.spoke.SetHead(1021)
	id := h.observe(t, 4, "7")
	h.inbox.mark(common.HexToHash(id))

	result, err := h.pipeline.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusAlreadyProcessed, result.Status)
	assert.Empty(t, h.hub.Sent())
	record, _ := h.ledger.Get(id)
	assert.True(t, record.Processed)
	assert.Nil(t, record.HubTxHash)
}

func TestSimulateFailureLeavesFinalized(t *testing.T) {
	h := newHarness(t)
	h.spoke.SetHead(1021)
	id := h.observe(t, 5, "7")
	h.outbox.revertOn = "paused"

	result, err := h.pipeline.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusSimulateFailed, result.Status)
	assert.Equal(t, "paused", result.Reason)
	assert.Empty(t, h.spoke.Sent())
	record, _ := h.ledger.Get(id)
	assert.Equal(t, models.DepositStageFinalized, record.Stage)
	assert.Contains(t, record.LastError, "paused")

	h.outbox.revertOn = ""
	result, err = h.pipeline.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusDelivered, result.Status)
}

func TestRevertedOutboxReceiptReturnsToFinalized(t *testing.T) {
	h := newHarness(t)
	h.spoke.SetHead(1021)
	h.spoke.AutoMine = false
	id := h.observe(t, 6, "7")

	result, err := h.pipeline.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusOutboxPending, result.Status)
	assert.Empty(t, h.hub.Sent())
	sent := h.spoke.SentTo(outboxAddr)
	require.Len(t, sent, 1)

	h.spoke.SetReceipt(&ethtypes.Receipt{
		TxHash:      sent[0].Hash(),
		Status:      ethtypes.ReceiptStatusFailed,
		BlockNumber: big.NewInt(1021),
	})
	result, err = h.pipeline.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusOutboxReverted, result.Status)
	record, _ := h.ledger.Get(id)
	assert.Equal(t, models.DepositStageFinalized, record.Stage)
	assert.Nil(t, record.OutboxTxHash)
	assert.NotEmpty(t, record.LastError)
	assert.Empty(t, h.hub.Sent())
}

func TestRevertedHubReceiptIsRetried(t *testing.T) {
	h := newHarness(t)
	h.spoke.SetHead(1021)
	h.hub.AutoMine = false
	id := h.observe(t, 10, "7")
	ctx := context.Background()

	result, err := h.pipeline.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusHubPending, result.Status)
	sent := h.hub.SentTo(inboxAddr)
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].Hash().Hex(), result.HubTxHash)
	record, _ := h.ledger.Get(id)
	assert.False(t, record.Processed)
	assert.Equal(t, models.DepositStageOutboxSent, record.Stage)

	h.inbox.forget(common.HexToHash(id))
	h.hub.SetReceipt(&ethtypes.Receipt{
		TxHash:      sent[0].Hash(),
		Status:      ethtypes.ReceiptStatusFailed,
		BlockNumber: big.NewInt(1),
	})
	result, err = h.pipeline.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusHubReverted, result.Status)
	record, _ = h.ledger.Get(id)
	assert.False(t, record.Processed)
	assert.Nil(t, record.HubTxHash)
	assert.Contains(t, record.LastError, "reverted")
	assert.Len(t, h.hub.SentTo(inboxAddr), 1)

	_, err = h.pipeline.ResumePending(ctx)
	require.NoError(t, err)
	sent = h.hub.SentTo(inboxAddr)
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].Nonce()+1, sent[1].Nonce())

	h.hub.SetReceipt(&ethtypes.Receipt{
		TxHash:      sent[1].Hash(),
		Status:      ethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(2),
	})
	result, err = h.pipeline.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusDelivered, result.Status)
	record, _ = h.ledger.Get(id)
	assert.True(t, record.Processed)
	assert.Equal(t, models.DepositStageHubDelivered, record.Stage)
	require.NotNil(t, record.HubTxHash)
	assert.Equal(t, sent[1].Hash().Hex(), *record.HubTxHash)
	assert.Len(t, h.spoke.SentTo(outboxAddr), 1)
	assert.Len(t, h.hub.SentTo(inboxAddr), 2)
}

func TestHubDeliveredByOtherRelayerWhileReverted(t *testing.T) {
	h := newHarness(t)
	h.spoke.SetHead(1021)
	h.hub.AutoMine = false
	id := h.observe(t, 11, "7")
	ctx := context.Background()

	_, err := h.pipeline.Process(ctx, id)
	require.NoError(t, err)
	sent := h.hub.SentTo(inboxAddr)
	require.Len(t, sent, 1)
	//our tx reverted but the inbox holds the deposit from another submission
	h.hub.SetReceipt(&ethtypes.Receipt{TxHash: sent[0].Hash(), Status: ethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(1)})

	result, err := h.pipeline.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusHubReverted, result.Status)
	result, err = h.pipeline.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusAlreadyProcessed, result.Status)
	record, _ := h.ledger.Get(id)
	assert.True(t, record.Processed)
	assert.Len(t, h.hub.SentTo(inboxAddr), 1)
}

// racingLedger lets a second writer finalize the deposit first, so the pipeline's own
// MarkFinalized loses its stage guard.
type racingLedger struct {
	*bridgetest.MemLedger
	raced bool
}

func (r *racingLedger) MarkFinalized(ctx context.Context, depositID string) error {
	if !r.raced {
		r.raced = true
		if err := r.MemLedger.MarkFinalized(ctx, depositID); err != nil {
			return err
		}
	}
	return r.MemLedger.MarkFinalized(ctx, depositID)
}

func TestLostStageGuardReloadsRecord(t *testing.T) {
	h := newHarness(t)
	h.spoke.SetHead(1021)
	id := h.observe(t, 12, "7")
	ledger := &racingLedger{MemLedger: h.ledger}
	pipeline, err := bridge.NewPipeline(ledger, h.gate, h.dispatcher, h.chains, bridge.PipelineOptions{
		HubChainID: HUB_ID,
		BridgePool: BRIDGE_POOL,
	})
	require.NoError(t, err)

	result, err := pipeline.Process(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ledger.raced)
	assert.Equal(t, bridge.StatusDelivered, result.Status)
	assert.Len(t, h.spoke.SentTo(outboxAddr), 1)
	assert.Len(t, h.hub.SentTo(inboxAddr), 1)
}

func TestZeroAmountIsRecordedNotRelayed(t *testing.T) {
	h := newHarness(t)
	h.spoke.SetHead(5000)
	id := h.observe(t, 7, "0")

	result, err := h.pipeline.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusSkippedZero, result.Status)
	assert.Equal(t, models.DepositStageObserved, result.Stage)
	assert.Empty(t, h.spoke.Sent())
}

func TestProcessUnknownDeposit(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline.Process(context.Background(), common.Hash{1}.Hex())
	require.Error(t, err)
}

func TestResumePendingAdvancesDeferred(t *testing.T) {
	h := newHarness(t)
	first := h.observe(t, 8, "1")
	second := h.observe(t, 9, "2")

	progressed, err := h.pipeline.ResumePending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, progressed)

	h.spoke.SetHead(1100)
	progressed, err = h.pipeline.ResumePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, progressed)
	for _, id := range []string{first, second} {
		record, _ := h.ledger.Get(id)
		assert.True(t, record.Processed, id)
	}
	assert.Len(t, h.hub.SentTo(inboxAddr), 2)
}

func TestDepositIDIsDeterministic(t *testing.T) {
	tx := common.HexToHash("0xabc")
	assert.Equal(t, bridge.DepositID(137, tx, 1), bridge.DepositID(137, tx, 1))
	assert.NotEqual(t, bridge.DepositID(137, tx, 1), bridge.DepositID(137, tx, 2))
	assert.NotEqual(t, bridge.DepositID(137, tx, 1), bridge.DepositID(1, tx, 1))
}
