package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scalarorg/session-relayer/pkg/db/models"
	"github.com/scalarorg/session-relayer/pkg/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateDepositIfAbsent reports whether a new row was inserted. Conflicts on the deposit id
// or on (chain_id, tx_hash, log_index) leave the existing row untouched.
func (db *DatabaseAdapter) CreateDepositIfAbsent(ctx context.Context, record *models.DepositRecord) (bool, error) {
	if record.Stage == "" {
		record.Stage = models.DepositStageObserved
	}
	result := db.PostgresClient.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create deposit %s: %w", record.DepositID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (db *DatabaseAdapter) FindDeposit(ctx context.Context, depositID string) (*models.DepositRecord, error) {
	var record models.DepositRecord
	err := db.PostgresClient.WithContext(ctx).Where("deposit_id = ?", depositID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find deposit %s: %w", depositID, err)
	}
	return &record, nil
}

// advance moves a deposit forward only from the listed stages, so replays never regress it.
// It returns types.ErrStageConflict when the guard matched no row.
func (db *DatabaseAdapter) advance(ctx context.Context, depositID string, from []models.DepositStage, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	result := db.PostgresClient.WithContext(ctx).
		Model(&models.DepositRecord{}).
		Where("deposit_id = ? AND stage IN ? AND processed = ?", depositID, from, false).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update deposit %s: %w", depositID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: deposit %s is not in %v", types.ErrStageConflict, depositID, from)
	}
	return nil
}

func (db *DatabaseAdapter) MarkFinalized(ctx context.Context, depositID string) error {
	return db.advance(ctx, depositID, []models.DepositStage{models.DepositStageObserved}, map[string]any{
		"stage":        models.DepositStageFinalized,
		"finalized_at": time.Now().UTC(),
	})
}

func (db *DatabaseAdapter) MarkOutboxSent(ctx context.Context, depositID string, txHash string) error {
	updates := map[string]any{
		"stage":          models.DepositStageOutboxSent,
		"outbox_sent_at": time.Now().UTC(),
		"last_error":     "",
	}
	if txHash != "" {
		updates["outbox_tx_hash"] = txHash
	}
	return db.advance(ctx, depositID, []models.DepositStage{models.DepositStageFinalized}, updates)
}

func (db *DatabaseAdapter) MarkHubDelivered(ctx context.Context, depositID string, txHash string) error {
	updates := map[string]any{
		"stage":        models.DepositStageHubDelivered,
		"processed":    true,
		"delivered_at": time.Now().UTC(),
		"last_error":   "",
	}
	if txHash != "" {
		updates["hub_tx_hash"] = txHash
	}
	from := []models.DepositStage{models.DepositStageObserved, models.DepositStageFinalized, models.DepositStageOutboxSent}
	return db.advance(ctx, depositID, from, updates)
}

// MarkHubSent stores the inbox transaction; the record stays unprocessed until its receipt succeeds.
func (db *DatabaseAdapter) MarkHubSent(ctx context.Context, depositID string, txHash string) error {
	return db.advance(ctx, depositID, []models.DepositStage{models.DepositStageOutboxSent}, map[string]any{
		"hub_tx_hash": txHash,
		"last_error":  "",
	})
}

// ClearHubTx forgets a reverted inbox transaction so the next cycle simulates again.
func (db *DatabaseAdapter) ClearHubTx(ctx context.Context, depositID string, reason string) error {
	return db.advance(ctx, depositID, []models.DepositStage{models.DepositStageOutboxSent}, map[string]any{
		"hub_tx_hash": gorm.Expr("NULL"),
		"last_error":  reason,
	})
}

func (db *DatabaseAdapter) RevertOutbox(ctx context.Context, depositID string, reason string) error {
	return db.advance(ctx, depositID, []models.DepositStage{models.DepositStageOutboxSent}, map[string]any{
		"stage":          models.DepositStageFinalized,
		"outbox_tx_hash": gorm.Expr("NULL"),
		"outbox_sent_at": gorm.Expr("NULL"),
		"last_error":     reason,
	})
}

func (db *DatabaseAdapter) RecordDepositError(ctx context.Context, depositID string, reason string) error {
	err := db.PostgresClient.WithContext(ctx).
		Model(&models.DepositRecord{}).
		Where("deposit_id = ?", depositID).
		Updates(map[string]any{"last_error": reason, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("failed to record error for deposit %s: %w", depositID, err)
	}
	return nil
}

func (db *DatabaseAdapter) ListUnprocessedDeposits(ctx context.Context, limit int) ([]models.DepositRecord, error) {
	var records []models.DepositRecord
	query := db.PostgresClient.WithContext(ctx).Where("processed = ?", false).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list unprocessed deposits: %w", err)
	}
	return records, nil
}
