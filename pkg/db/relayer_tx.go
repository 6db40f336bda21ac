package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/scalarorg/session-relayer/pkg/db/models"
	"gorm.io/gorm/clause"
)

// SaveRelayerTransaction upserts by id so a retried write of the same attempt is harmless.
func (db *DatabaseAdapter) SaveRelayerTransaction(ctx context.Context, tx *models.RelayerTransaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	err := db.PostgresClient.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "tx_hash", "last_error", "updated_at"}),
		}).
		Create(tx).Error
	if err != nil {
		return fmt.Errorf("failed to save relayer transaction %s: %w", tx.TxHash, err)
	}
	return nil
}

func (db *DatabaseAdapter) ListSubmittedTransactions(ctx context.Context, chainID uint64, limit int) ([]models.RelayerTransaction, error) {
	var rows []models.RelayerTransaction
	query := db.PostgresClient.WithContext(ctx).
		Where("chain_id = ? AND status = ?", chainID, models.RelayerTxSubmitted).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list submitted transactions: %w", err)
	}
	return rows, nil
}

func (db *DatabaseAdapter) UpdateRelayerTransactionStatus(ctx context.Context, id uuid.UUID, status models.RelayerTxStatus, blockNumber uint64) error {
	result := db.PostgresClient.WithContext(ctx).
		Model(&models.RelayerTransaction{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       status,
			"block_number": blockNumber,
			"updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update relayer transaction %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("relayer transaction %s not found", id)
	}
	return nil
}

// ListTransactionsByStickyKey returns every attempt made for one logical action, oldest first.
func (db *DatabaseAdapter) ListTransactionsByStickyKey(ctx context.Context, stickyKey string) ([]models.RelayerTransaction, error) {
	var rows []models.RelayerTransaction
	err := db.PostgresClient.WithContext(ctx).
		Where("sticky_key = ?", stickyKey).
		Order("attempt ASC, created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions for %s: %w", stickyKey, err)
	}
	return rows, nil
}
