package models

import (
	"time"

	"github.com/google/uuid"
)

type RelayerTxStatus string

const (
	RelayerTxSubmitted RelayerTxStatus = "submitted"
	RelayerTxMined     RelayerTxStatus = "mined"
	RelayerTxReverted  RelayerTxStatus = "reverted"
	RelayerTxReplaced  RelayerTxStatus = "replaced"
)

// RelayerTransaction is one submission attempt. A rejected attempt is stored as replaced and
// the next attempt points back at it through SupersedesID.
type RelayerTransaction struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	RelayerAddress string    `gorm:"type:varchar(42);not null;index:idx_relayer_chain"`
	ChainID        uint64    `gorm:"not null;index:idx_relayer_chain"`
	Nonce          uint64    `gorm:"not null"`
	GasTipCap      string    `gorm:"type:varchar(80)"`
	GasFeeCap      string    `gorm:"type:varchar(80)"`
	GasLimit       uint64
	Label          string `gorm:"type:varchar(64)"`
	StickyKey      string `gorm:"type:varchar(128);index"`
	Attempt        int
	SupersedesID   *uuid.UUID      `gorm:"type:uuid"`
	TxHash         string          `gorm:"type:varchar(66);index"`
	Status         RelayerTxStatus `gorm:"type:varchar(16);index;default:submitted"`
	BlockNumber    *uint64
	LastError      string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"type:timestamp(6);default:current_timestamp(6)"`
	UpdatedAt      time.Time `gorm:"type:timestamp(6);default:current_timestamp(6)"`
}

func (RelayerTransaction) TableName() string {
	return "relayer_transactions"
}
