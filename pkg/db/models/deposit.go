package models

import (
	"math/big"
	"time"
)

type DepositStage string

const (
	DepositStageObserved     DepositStage = "observed"
	DepositStageFinalized    DepositStage = "finalized"
	DepositStageOutboxSent   DepositStage = "outbox_sent"
	DepositStageHubDelivered DepositStage = "hub_delivered"
)

// DepositRecord tracks one spoke-chain deposit through the relay pipeline. Never deleted.
type DepositRecord struct {
	DepositID    string       `gorm:"primaryKey;type:varchar(66)" json:"depositId"`
	ChainID      uint64       `gorm:"uniqueIndex:idx_deposit_source;not null" json:"chainId"`
	TxHash       string       `gorm:"uniqueIndex:idx_deposit_source;type:varchar(66);not null" json:"txHash"`
	LogIndex     uint         `gorm:"uniqueIndex:idx_deposit_source" json:"logIndex"`
	BlockNumber  uint64       `json:"blockNumber"`
	BlockHash    string       `gorm:"type:varchar(66)" json:"blockHash"`
	User         string       `gorm:"type:varchar(42);index" json:"user"`
	Token        string       `gorm:"type:varchar(42)" json:"token"`
	Amount       string       `gorm:"type:varchar(80)" json:"amount"`
	Stage        DepositStage `gorm:"type:varchar(32);index;default:observed" json:"stage"`
	Processed    bool         `gorm:"index;default:false" json:"processed"`
	OutboxTxHash *string      `gorm:"type:varchar(66)" json:"outboxTxHash,omitempty"`
	HubTxHash    *string      `gorm:"type:varchar(66)" json:"hubTxHash,omitempty"`
	LastError    string       `gorm:"type:text" json:"lastError,omitempty"`
	ObservedAt   time.Time    `json:"observedAt"`
	FinalizedAt  *time.Time   `json:"finalizedAt,omitempty"`
	OutboxSentAt *time.Time   `json:"outboxSentAt,omitempty"`
	DeliveredAt  *time.Time   `json:"deliveredAt,omitempty"`
	CreatedAt    time.Time    `gorm:"type:timestamp(6);default:current_timestamp(6)" json:"createdAt"`
	UpdatedAt    time.Time    `gorm:"type:timestamp(6);default:current_timestamp(6)" json:"updatedAt"`
}

func (DepositRecord) TableName() string {
	return "deposit_records"
}

// AmountInt parses the stored base-unit amount.
func (d *DepositRecord) AmountInt() (*big.Int, bool) {
	return new(big.Int).SetString(d.Amount, 10)
}
