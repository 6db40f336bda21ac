package dispatch

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/scalarorg/session-relayer/pkg/db/models"
)

// Action is one contract call to relay.
type Action struct {
	Label    string
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 //Zero means estimate
}

func (a Action) value() *big.Int {
	if a.Value == nil {
		return new(big.Int)
	}
	return a.Value
}

// TxHandle identifies an accepted submission.
type TxHandle struct {
	Hash     common.Hash
	Relayer  common.Address
	ChainID  uint64
	Nonce    uint64
	Attempts int
	RecordID uuid.UUID
}

// AuditStore persists one row per submission attempt.
type AuditStore interface {
	SaveRelayerTransaction(ctx context.Context, tx *models.RelayerTransaction) error
	ListSubmittedTransactions(ctx context.Context, chainID uint64, limit int) ([]models.RelayerTransaction, error)
	UpdateRelayerTransactionStatus(ctx context.Context, id uuid.UUID, status models.RelayerTxStatus, blockNumber uint64) error
}
