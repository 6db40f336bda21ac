package bridge

import (
	"context"

	"github.com/scalarorg/session-relayer/pkg/db/models"
)

// Ledger persists deposit progress. It is a cache of contract state: every write path
// re-checks the outbox and inbox before transacting. *db.DatabaseAdapter implements it.
// Stage writes return types.ErrStageConflict when the record is no longer in a stage
// they may move from.
type Ledger interface {
	// CreateDepositIfAbsent inserts the record unless its deposit id or source log exists.
	CreateDepositIfAbsent(ctx context.Context, record *models.DepositRecord) (bool, error)
	// FindDeposit returns (nil, nil) when the deposit is unknown.
	FindDeposit(ctx context.Context, depositID string) (*models.DepositRecord, error)
	MarkFinalized(ctx context.Context, depositID string) error
	// MarkOutboxSent records the outbox transaction; an empty hash means the outbox already had it.
	MarkOutboxSent(ctx context.Context, depositID string, txHash string) error
	// MarkHubSent records the inbox transaction without setting processed.
	MarkHubSent(ctx context.Context, depositID string, txHash string) error
	// ClearHubTx drops a reverted inbox transaction from an outbox_sent record.
	ClearHubTx(ctx context.Context, depositID string, reason string) error
	// MarkHubDelivered sets processed once the inbox holds the deposit; an empty hash
	// means it was delivered by someone else.
	MarkHubDelivered(ctx context.Context, depositID string, txHash string) error
	// RevertOutbox moves an outbox_sent record back to finalized.
	RevertOutbox(ctx context.Context, depositID string, reason string) error
	RecordDepositError(ctx context.Context, depositID string, reason string) error
	ListUnprocessedDeposits(ctx context.Context, limit int) ([]models.DepositRecord, error)
}
