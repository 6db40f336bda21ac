// Package bridgetest provides an in-memory bridge.Ledger for package tests.
package bridgetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scalarorg/session-relayer/pkg/bridge"
	"github.com/scalarorg/session-relayer/pkg/db/models"
	"github.com/scalarorg/session-relayer/pkg/types"
)

type MemLedger struct {
	mu      sync.Mutex
	records map[string]*models.DepositRecord
	sources map[string]string
	Reads   int
}

var _ bridge.Ledger = (*MemLedger)(nil)

func NewMemLedger() *MemLedger {
	return &MemLedger{
		records: make(map[string]*models.DepositRecord),
		sources: make(map[string]string),
	}
}

func sourceKey(record *models.DepositRecord) string {
	return fmt.Sprintf("%d/%s/%d", record.ChainID, record.TxHash, record.LogIndex)
}

func (m *MemLedger) CreateDepositIfAbsent(ctx context.Context, record *models.DepositRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.DepositID]; ok {
		return false, nil
	}
	if _, ok := m.sources[sourceKey(record)]; ok {
		return false, nil
	}
	copied := *record
	if copied.Stage == "" {
		copied.Stage = models.DepositStageObserved
	}
	copied.CreatedAt = time.Now()
	m.records[record.DepositID] = &copied
	m.sources[sourceKey(record)] = record.DepositID
	return true, nil
}

func (m *MemLedger) FindDeposit(ctx context.Context, depositID string) (*models.DepositRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reads++
	record, ok := m.records[depositID]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (m *MemLedger) update(depositID string, from []models.DepositStage, fn func(record *models.DepositRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[depositID]
	if !ok {
		return fmt.Errorf("deposit %s not found", depositID)
	}
	if !record.Processed {
		for _, stage := range from {
			if record.Stage == stage {
				fn(record)
				record.UpdatedAt = time.Now()
				return nil
			}
		}
	}
	return fmt.Errorf("%w: deposit %s is not in %v", types.ErrStageConflict, depositID, from)
}

func (m *MemLedger) MarkFinalized(ctx context.Context, depositID string) error {
	return m.update(depositID, []models.DepositStage{models.DepositStageObserved}, func(record *models.DepositRecord) {
		now := time.Now()
		record.Stage = models.DepositStageFinalized
		record.FinalizedAt = &now
	})
}

func (m *MemLedger) MarkOutboxSent(ctx context.Context, depositID string, txHash string) error {
	return m.update(depositID, []models.DepositStage{models.DepositStageFinalized}, func(record *models.DepositRecord) {
		now := time.Now()
		record.Stage = models.DepositStageOutboxSent
		record.OutboxSentAt = &now
		record.LastError = ""
		if txHash != "" {
			record.OutboxTxHash = &txHash
		}
	})
}

func (m *MemLedger) MarkHubDelivered(ctx context.Context, depositID string, txHash string) error {
	from := []models.DepositStage{models.DepositStageObserved, models.DepositStageFinalized, models.DepositStageOutboxSent}
	return m.update(depositID, from, func(record *models.DepositRecord) {
		now := time.Now()
		record.Stage = models.DepositStageHubDelivered
		record.Processed = true
		record.DeliveredAt = &now
		record.LastError = ""
		if txHash != "" {
			record.HubTxHash = &txHash
		}
	})
}

func (m *MemLedger) MarkHubSent(ctx context.Context, depositID string, txHash string) error {
	return m.update(depositID, []models.DepositStage{models.DepositStageOutboxSent}, func(record *models.DepositRecord) {
		record.HubTxHash = &txHash
		record.LastError = ""
	})
}

func (m *MemLedger) ClearHubTx(ctx context.Context, depositID string, reason string) error {
	return m.update(depositID, []models.DepositStage{models.DepositStageOutboxSent}, func(record *models.DepositRecord) {
		record.HubTxHash = nil
		record.LastError = reason
	})
}

func (m *MemLedger) RevertOutbox(ctx context.Context, depositID string, reason string) error {
	return m.update(depositID, []models.DepositStage{models.DepositStageOutboxSent}, func(record *models.DepositRecord) {
		record.Stage = models.DepositStageFinalized
		record.OutboxTxHash = nil
		record.OutboxSentAt = nil
		record.LastError = reason
	})
}

func (m *MemLedger) RecordDepositError(ctx context.Context, depositID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.records[depositID]; ok {
		record.LastError = reason
	}
	return nil
}

func (m *MemLedger) ListUnprocessedDeposits(ctx context.Context, limit int) ([]models.DepositRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []models.DepositRecord
	for _, record := range m.records {
		if !record.Processed {
			records = append(records, *record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Get returns a copy of the record without counting a read.
func (m *MemLedger) Get(depositID string) (models.DepositRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[depositID]
	if !ok {
		return models.DepositRecord{}, false
	}
	return *record, true
}
