package db_test

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/scalarorg/session-relayer/pkg/bridge"
	"github.com/scalarorg/session-relayer/pkg/db"
	"github.com/scalarorg/session-relayer/pkg/db/models"
	"github.com/scalarorg/session-relayer/pkg/dispatch"
	"github.com/scalarorg/session-relayer/pkg/types"
	"github.com/scalarorg/session-relayer/pkg/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	_ bridge.Ledger       = (*db.DatabaseAdapter)(nil)
	_ dispatch.AuditStore = (*db.DatabaseAdapter)(nil)
	_ webhook.Archive     = (*db.DatabaseAdapter)(nil)
)

var dbAdapter *db.DatabaseAdapter

func TestMain(m *testing.M) {
	flag.Parse()
	var cleanup func()
	if !testing.Short() && os.Getenv("SKIP_CONTAINER_TESTS") == "" {
		var err error
		dbAdapter, cleanup, err = SetupTestDB()
		if err != nil {
			dbAdapter = nil
		}
	}
	code := m.Run()
	if cleanup != nil {
		cleanup()
	}
	os.Exit(code)
}

func SetupTestDB() (*db.DatabaseAdapter, func(), error) {
	ctx := context.Background()
	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = postgresContainer.Terminate(ctx)
	}
	dsn, err := postgresContainer.ConnectionString(ctx, "sslmode=disable", "TimeZone=UTC")
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	postgresClient, err := db.NewPostgresClient(dsn)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return &db.DatabaseAdapter{PostgresClient: postgresClient}, cleanup, nil
}

func requireDB(t *testing.T) *db.DatabaseAdapter {
	t.Helper()
	if dbAdapter == nil {
		t.Skip("postgres container not available")
	}
	return dbAdapter
}

func newDeposit(id string, logIndex uint) *models.DepositRecord {
	return &models.DepositRecord{
		DepositID:   id,
		ChainID:     137,
		TxHash:      "0x" + uuid.NewString()[:8],
		LogIndex:    logIndex,
		BlockNumber: 1000,
		User:        "0x00000000000000000000000000000000000000aa",
		Token:       "0x00000000000000000000000000000000000000bb",
		Amount:      "1000000",
		ObservedAt:  time.Now().UTC(),
	}
}

func TestDepositLifecycle(t *testing.T) {
	adapter := requireDB(t)
	ctx := context.Background()
	record := newDeposit("0x"+uuid.NewString(), 3)

	created, err := adapter.CreateDepositIfAbsent(ctx, record)
	require.NoError(t, err)
	assert.True(t, created)

	duplicate := *record
	created, err = adapter.CreateDepositIfAbsent(ctx, &duplicate)
	require.NoError(t, err)
	assert.False(t, created)

	sameSource := *record
	sameSource.DepositID = "0x" + uuid.NewString()
	created, err = adapter.CreateDepositIfAbsent(ctx, &sameSource)
	require.NoError(t, err)
	assert.False(t, created, "the source log is already recorded under another id")

	require.NoError(t, adapter.MarkFinalized(ctx, record.DepositID))
	require.NoError(t, adapter.MarkOutboxSent(ctx, record.DepositID, "0xoutbox"))
	require.NoError(t, adapter.RevertOutbox(ctx, record.DepositID, "outbox reverted"))

	stored, err := adapter.FindDeposit(ctx, record.DepositID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.DepositStageFinalized, stored.Stage)
	assert.Nil(t, stored.OutboxTxHash)
	assert.Equal(t, "outbox reverted", stored.LastError)

	require.NoError(t, adapter.MarkOutboxSent(ctx, record.DepositID, ""))
	require.NoError(t, adapter.MarkHubSent(ctx, record.DepositID, "0xhub"))
	stored, err = adapter.FindDeposit(ctx, record.DepositID)
	require.NoError(t, err)
	assert.Equal(t, models.DepositStageOutboxSent, stored.Stage)
	assert.False(t, stored.Processed)
	require.NotNil(t, stored.HubTxHash)

	require.NoError(t, adapter.ClearHubTx(ctx, record.DepositID, "hub tx reverted"))
	stored, err = adapter.FindDeposit(ctx, record.DepositID)
	require.NoError(t, err)
	assert.Nil(t, stored.HubTxHash)
	assert.Equal(t, "hub tx reverted", stored.LastError)

	require.NoError(t, adapter.MarkHubSent(ctx, record.DepositID, "0xhub2"))
	require.NoError(t, adapter.MarkHubDelivered(ctx, record.DepositID, "0xhub2"))
	//replays never regress a delivered deposit and report the lost guard
	require.ErrorIs(t, adapter.MarkFinalized(ctx, record.DepositID), types.ErrStageConflict)
	require.ErrorIs(t, adapter.RevertOutbox(ctx, record.DepositID, "late"), types.ErrStageConflict)
	require.ErrorIs(t, adapter.MarkHubDelivered(ctx, record.DepositID, "0xother"), types.ErrStageConflict)

	stored, err = adapter.FindDeposit(ctx, record.DepositID)
	require.NoError(t, err)
	assert.Equal(t, models.DepositStageHubDelivered, stored.Stage)
	assert.True(t, stored.Processed)
	require.NotNil(t, stored.HubTxHash)
	assert.Equal(t, "0xhub2", *stored.HubTxHash)
	assert.Nil(t, stored.OutboxTxHash)

	pending, err := adapter.ListUnprocessedDeposits(ctx, 100)
	require.NoError(t, err)
	for _, row := range pending {
		assert.NotEqual(t, record.DepositID, row.DepositID)
	}
}

func TestFindDepositMissing(t *testing.T) {
	adapter := requireDB(t)
	record, err := adapter.FindDeposit(context.Background(), "0xmissing")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestRelayerTransactionAudit(t *testing.T) {
	adapter := requireDB(t)
	ctx := context.Background()
	first := &models.RelayerTransaction{
		ID:             uuid.New(),
		RelayerAddress: "0x00000000000000000000000000000000000000cc",
		ChainID:        8453,
		Nonce:          7,
		Label:          "inbox.receiveMessage",
		StickyKey:      "deposit-" + uuid.NewString(),
		Attempt:        1,
		TxHash:         "0x01",
		Status:         models.RelayerTxReplaced,
	}
	second := *first
	second.ID = uuid.New()
	second.Attempt = 2
	second.SupersedesID = &first.ID
	second.TxHash = "0x02"
	second.Status = models.RelayerTxSubmitted

	require.NoError(t, adapter.SaveRelayerTransaction(ctx, first))
	require.NoError(t, adapter.SaveRelayerTransaction(ctx, &second))

	submitted, err := adapter.ListSubmittedTransactions(ctx, 8453, 0)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(submitted))
	for _, row := range submitted {
		ids = append(ids, row.ID)
	}
	assert.Contains(t, ids, second.ID)
	assert.NotContains(t, ids, first.ID)

	require.NoError(t, adapter.UpdateRelayerTransactionStatus(ctx, second.ID, models.RelayerTxMined, 42))
	assert.Error(t, adapter.UpdateRelayerTransactionStatus(ctx, uuid.New(), models.RelayerTxMined, 1))

	attempts, err := adapter.ListTransactionsByStickyKey(ctx, first.StickyKey)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, models.RelayerTxMined, attempts[1].Status)
	require.NotNil(t, attempts[1].SupersedesID)
	assert.Equal(t, first.ID, *attempts[1].SupersedesID)
}

func TestSaveWebhookPayloadPostgres(t *testing.T) {
	adapter := requireDB(t)
	payload := &models.WebhookPayload{
		ID:         uuid.New(),
		ReceivedAt: time.Now().UTC(),
		Shape:      "stream",
		Body:       []byte(`{"chainId":"0x89"}`),
	}
	require.NoError(t, adapter.SaveWebhookPayload(context.Background(), payload))

	var stored models.WebhookPayload
	require.NoError(t, adapter.PostgresClient.First(&stored, "id = ?", payload.ID).Error)
	assert.Equal(t, payload.Body, stored.Body)
}
