package dispatch

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
	"github.com/scalarorg/session-relayer/pkg/db/models"
)

const (
	RECEIPT_POLL_INTERVAL = 10 * time.Second
	RECEIPT_BATCH_SIZE    = 100
)

// ReceiptTracker moves submitted relayer transactions to mined or reverted.
type ReceiptTracker struct {
	audit    AuditStore
	chains   map[uint64]*evm.EvmClient
	interval time.Duration
}

func NewReceiptTracker(audit AuditStore, chains map[uint64]*evm.EvmClient, interval time.Duration) *ReceiptTracker {
	if interval <= 0 {
		interval = RECEIPT_POLL_INTERVAL
	}
	return &ReceiptTracker{audit: audit, chains: chains, interval: interval}
}

func (t *ReceiptTracker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Poll(ctx)
		}
	}
}

// Poll checks one batch per chain and returns the number of rows it settled.
func (t *ReceiptTracker) Poll(ctx context.Context) int {
	settled := 0
	for chainID, chain := range t.chains {
		rows, err := t.audit.ListSubmittedTransactions(ctx, chainID, RECEIPT_BATCH_SIZE)
		if err != nil {
			log.Error().Err(err).Str("chain", chain.Name).Msg("[ReceiptTracker] [Poll] failed to list submitted transactions")
			continue
		}
		for _, row := range rows {
			receipt, err := chain.ReceiptStatus(ctx, common.HexToHash(row.TxHash))
			if err != nil {
				log.Warn().Err(err).Str("txHash", row.TxHash).Msg("[ReceiptTracker] [Poll] failed to get receipt")
				continue
			}
			if receipt == nil {
				continue
			}
			status := models.RelayerTxMined
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				status = models.RelayerTxReverted
				log.Warn().Str("txHash", row.TxHash).Str("label", row.Label).Str("relayer", row.RelayerAddress).
					Msg("[ReceiptTracker] [Poll] relayer transaction reverted")
			}
			if err := t.audit.UpdateRelayerTransactionStatus(ctx, row.ID, status, receipt.BlockNumber.Uint64()); err != nil {
				log.Error().Err(err).Str("txHash", row.TxHash).Msg("[ReceiptTracker] [Poll] failed to update status")
				continue
			}
			settled++
		}
	}
	return settled
}
