// Package bridge relays spoke-chain deposits to the hub inbox exactly once.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
	"github.com/scalarorg/session-relayer/pkg/db/models"
	"github.com/scalarorg/session-relayer/pkg/dispatch"
	"github.com/scalarorg/session-relayer/pkg/finality"
	"github.com/scalarorg/session-relayer/pkg/keypool"
	"github.com/scalarorg/session-relayer/pkg/metrics"
	"github.com/scalarorg/session-relayer/pkg/services/rabbitmq"
	"github.com/scalarorg/session-relayer/pkg/tracing"
	"github.com/scalarorg/session-relayer/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	LABEL_SEND_DEPOSIT    = "outbox.sendDeposit"
	LABEL_RECEIVE_MESSAGE = "inbox.receiveMessage"
	DEFAULT_BATCH_SIZE    = 50
)

type Status string

const (
	StatusDeferred         Status = "deferred"
	StatusOutboxPending    Status = "outbox_pending"
	StatusOutboxReverted   Status = "outbox_reverted"
	StatusHubPending       Status = "hub_pending"
	StatusHubReverted      Status = "hub_reverted"
	StatusDelivered        Status = "hub_delivered"
	StatusAlreadyProcessed Status = "already_processed"
	StatusSkippedZero      Status = "skipped_zero_amount"
	StatusSimulateFailed   Status = "simulate_failed"
)

// Result is the outcome of one Process call. Deferred and simulate failures are results,
// not errors: the record keeps its last successful stage for the next cycle.
type Result struct {
	DepositID     string              `json:"depositId"`
	Status        Status              `json:"status"`
	Stage         models.DepositStage `json:"stage"`
	Confirmations uint64              `json:"confirmations,omitempty"`
	Required      uint64              `json:"required,omitempty"`
	OutboxTxHash  string              `json:"outboxTxHash,omitempty"`
	HubTxHash     string              `json:"hubTxHash,omitempty"`
	Reason        string              `json:"reason,omitempty"`
}

type FinalityChecker interface {
	IsFinal(ctx context.Context, chainID uint64, blockNumber uint64) (bool, finality.Depth, error)
}

// Dispatcher is the submission surface used by the pipeline. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	SelectRelayer(poolName string, chainID uint64, stickyKey string) (*keypool.RelayerKey, error)
	Simulate(ctx context.Context, chain *evm.EvmClient, from common.Address, action dispatch.Action) error
	Dispatch(ctx context.Context, poolName string, chain *evm.EvmClient, stickyKey string, action dispatch.Action) (*dispatch.TxHandle, error)
}

type Pipeline struct {
	ledger     Ledger
	gate       FinalityChecker
	dispatcher Dispatcher
	chains     map[uint64]*evm.EvmClient
	hub        *evm.EvmClient
	pool       string
	publisher  rabbitmq.Publisher
	group      singleflight.Group
	interval   time.Duration
	batchSize  int
}

type PipelineOptions struct {
	HubChainID   uint64
	BridgePool   string
	PollInterval time.Duration
	BatchSize    int
	Publisher    rabbitmq.Publisher
}

func NewPipeline(ledger Ledger, gate FinalityChecker, dispatcher Dispatcher, chains map[uint64]*evm.EvmClient, opts PipelineOptions) (*Pipeline, error) {
	hub, ok := chains[opts.HubChainID]
	if !ok {
		return nil, types.NewConfigError("bridge.hub_chain_id", "hub chain %d has no client", opts.HubChainID)
	}
	if hub.Config.Inbox == "" {
		return nil, types.NewConfigError("chains", "hub chain %s has no inbox address", hub.Name)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DEFAULT_BATCH_SIZE
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = rabbitmq.LogPublisher{}
	}
	return &Pipeline{
		ledger:     ledger,
		gate:       gate,
		dispatcher: dispatcher,
		chains:     chains,
		hub:        hub,
		pool:       opts.BridgePool,
		publisher:  publisher,
		interval:   opts.PollInterval,
		batchSize:  opts.BatchSize,
	}, nil
}

// Process advances the deposit as far as it can go in one call. Concurrent calls for the
// same deposit share a single run.
func (p *Pipeline) Process(ctx context.Context, depositID string) (*Result, error) {
	value, err, shared := p.group.Do(depositID, func() (any, error) {
		return p.process(ctx, depositID)
	})
	if shared {
		log.Debug().Str("depositId", depositID).Msg("[DepositPipeline] [Process] joined in-flight run")
	}
	if err != nil {
		return nil, err
	}
	result := *value.(*Result)
	return &result, nil
}

func (p *Pipeline) process(ctx context.Context, depositID string) (*Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "bridge.process", trace.WithAttributes(attribute.String("deposit.id", depositID)))
	defer span.End()
	result, err := p.advance(ctx, depositID)
	if errors.Is(err, types.ErrStageConflict) {
		//another writer moved the record; start over from what it stored
		log.Warn().Err(err).Str("depositId", depositID).Msg("[DepositPipeline] [Process] stage guard lost, reloading")
		result, err = p.advance(ctx, depositID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("status", string(result.Status)))
	return result, nil
}

func (p *Pipeline) advance(ctx context.Context, depositID string) (*Result, error) {
	record, err := p.ledger.FindDeposit(ctx, depositID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deposit %s: %w", depositID, err)
	}
	if record == nil {
		return nil, fmt.Errorf("deposit %s not found", depositID)
	}
	if record.Processed || record.Stage == models.DepositStageHubDelivered {
		return resultOf(record, StatusAlreadyProcessed), nil
	}
	amount, ok := record.AmountInt()
	if !ok {
		return nil, fmt.Errorf("deposit %s has invalid amount %q", depositID, record.Amount)
	}
	if amount.Sign() == 0 {
		log.Warn().Str("depositId", depositID).Msg("[DepositPipeline] [Process] zero amount deposit is not relayed")
		return resultOf(record, StatusSkippedZero), nil
	}
	spoke, ok := p.chains[record.ChainID]
	if !ok {
		return nil, types.NewConfigError("chains", "deposit %s comes from unconfigured chain %d", depositID, record.ChainID)
	}
	for {
		switch record.Stage {
		case models.DepositStageObserved:
			final, depth, err := p.gate.IsFinal(ctx, record.ChainID, record.BlockNumber)
			if err != nil {
				return nil, err
			}
			if !final {
				result := resultOf(record, StatusDeferred)
				result.Confirmations = depth.Depth
				result.Required = depth.Required
				log.Info().Str("depositId", depositID).Uint64("depth", depth.Depth).Uint64("required", depth.Required).
					Msg("[DepositPipeline] [Process] deposit not final yet")
				return result, nil
			}
			if err := p.ledger.MarkFinalized(ctx, depositID); err != nil {
				return nil, err
			}
			p.transition(spoke, record, models.DepositStageFinalized)
		case models.DepositStageFinalized:
			result, err := p.sendOutbox(ctx, spoke, record)
			if err != nil || result != nil {
				return result, err
			}
		case models.DepositStageOutboxSent:
			return p.deliverHub(ctx, spoke, record)
		default:
			return nil, fmt.Errorf("deposit %s has unknown stage %q", depositID, record.Stage)
		}
	}
}

// sendOutbox returns (nil, nil) once the record moved to outbox_sent.
func (p *Pipeline) sendOutbox(ctx context.Context, spoke *evm.EvmClient, record *models.DepositRecord) (*Result, error) {
	if spoke.Config.Outbox == "" {
		return nil, types.NewConfigError("chains", "chain %s has no outbox address", spoke.Name)
	}
	amount, _ := record.AmountInt()
	depositHash := common.HexToHash(record.DepositID)
	data, err := evm.PackSendDeposit(depositHash, common.HexToAddress(record.User), common.HexToAddress(record.Token), amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack sendDeposit: %w", err)
	}
	action := dispatch.Action{Label: LABEL_SEND_DEPOSIT, To: common.HexToAddress(spoke.Config.Outbox), Data: data}

	relayer, err := p.dispatcher.SelectRelayer(p.pool, spoke.ChainID, record.DepositID)
	if err != nil {
		return nil, err
	}
	err = p.dispatcher.Simulate(ctx, spoke, relayer.Address, action)
	var simulateErr *types.SimulateFailed
	switch {
	case errors.As(err, &simulateErr) && evm.IsAlreadySent(simulateErr.Err):
		log.Info().Str("depositId", record.DepositID).Msg("[DepositPipeline] [SendOutbox] outbox already has the deposit")
		return nil, p.markOutboxSent(ctx, spoke, record, "")
	case simulateErr != nil:
		return p.simulateFailed(ctx, record, simulateErr), nil
	case err != nil:
		return nil, err
	}

	handle, err := p.dispatcher.Dispatch(ctx, p.pool, spoke, record.DepositID, action)
	if err != nil {
		if evm.IsAlreadySent(err) {
			return nil, p.markOutboxSent(ctx, spoke, record, "")
		}
		p.recordError(ctx, record, err)
		return nil, err
	}
	return nil, p.markOutboxSent(ctx, spoke, record, handle.Hash.Hex())
}

func (p *Pipeline) markOutboxSent(ctx context.Context, spoke *evm.EvmClient, record *models.DepositRecord, txHash string) error {
	if err := p.ledger.MarkOutboxSent(ctx, record.DepositID, txHash); err != nil {
		return err
	}
	if txHash != "" {
		record.OutboxTxHash = &txHash
	}
	p.transition(spoke, record, models.DepositStageOutboxSent)
	return nil
}

func (p *Pipeline) deliverHub(ctx context.Context, spoke *evm.EvmClient, record *models.DepositRecord) (*Result, error) {
	if record.OutboxTxHash != nil && *record.OutboxTxHash != "" {
		receipt, err := spoke.ReceiptStatus(ctx, common.HexToHash(*record.OutboxTxHash))
		if err != nil {
			return nil, fmt.Errorf("failed to read outbox receipt %s: %w", *record.OutboxTxHash, err)
		}
		if receipt == nil {
			return resultOf(record, StatusOutboxPending), nil
		}
		if receipt.Status != ethtypes.ReceiptStatusSuccessful {
			reason := fmt.Sprintf("outbox tx %s reverted", *record.OutboxTxHash)
			if err := p.ledger.RevertOutbox(ctx, record.DepositID, reason); err != nil {
				return nil, err
			}
			log.Warn().Str("depositId", record.DepositID).Str("txHash", *record.OutboxTxHash).
				Msg("[DepositPipeline] [DeliverHub] outbox transaction reverted, back to finalized")
			p.transition(spoke, record, models.DepositStageFinalized)
			result := resultOf(record, StatusOutboxReverted)
			result.Reason = reason
			return result, nil
		}
	}

	if record.HubTxHash != nil && *record.HubTxHash != "" {
		return p.confirmHub(ctx, spoke, record)
	}

	current, err := p.ledger.FindDeposit(ctx, record.DepositID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload deposit %s: %w", record.DepositID, err)
	}
	if current != nil && current.Processed {
		return resultOf(current, StatusAlreadyProcessed), nil
	}

	amount, _ := record.AmountInt()
	depositHash := common.HexToHash(record.DepositID)
	message, err := EncodeMessage(depositHash, record.ChainID, common.HexToAddress(record.User), common.HexToAddress(record.Token), amount)
	if err != nil {
		return nil, err
	}
	data, err := evm.PackReceiveMessage(spoke.Config.Domain, common.HexToAddress(spoke.Config.Outbox), message)
	if err != nil {
		return nil, fmt.Errorf("failed to pack receiveMessage: %w", err)
	}
	action := dispatch.Action{Label: LABEL_RECEIVE_MESSAGE, To: common.HexToAddress(p.hub.Config.Inbox), Data: data}

	relayer, err := p.dispatcher.SelectRelayer(p.pool, p.hub.ChainID, record.DepositID)
	if err != nil {
		return nil, err
	}
	err = p.dispatcher.Simulate(ctx, p.hub, relayer.Address, action)
	var simulateErr *types.SimulateFailed
	switch {
	case errors.As(err, &simulateErr) && evm.IsAlreadyProcessed(simulateErr.Err):
		return p.markDelivered(ctx, spoke, record, "", StatusAlreadyProcessed)
	case simulateErr != nil:
		return p.simulateFailed(ctx, record, simulateErr), nil
	case err != nil:
		return nil, err
	}

	handle, err := p.dispatcher.Dispatch(ctx, p.pool, p.hub, record.DepositID, action)
	if err != nil {
		if evm.IsAlreadyProcessed(err) {
			return p.markDelivered(ctx, spoke, record, "", StatusAlreadyProcessed)
		}
		p.recordError(ctx, record, err)
		return nil, err
	}
	txHash := handle.Hash.Hex()
	if err := p.ledger.MarkHubSent(ctx, record.DepositID, txHash); err != nil {
		return nil, err
	}
	record.HubTxHash = &txHash
	return p.confirmHub(ctx, spoke, record)
}

// confirmHub sets processed only once the inbox transaction is mined successfully. A
// reverted one is cleared so the next cycle simulates again; the inbox's AlreadyProcessed
// check keeps that retry from delivering twice.
func (p *Pipeline) confirmHub(ctx context.Context, spoke *evm.EvmClient, record *models.DepositRecord) (*Result, error) {
	txHash := *record.HubTxHash
	receipt, err := p.hub.ReceiptStatus(ctx, common.HexToHash(txHash))
	if err != nil {
		log.Warn().Err(err).Str("depositId", record.DepositID).Str("txHash", txHash).
			Msg("[DepositPipeline] [ConfirmHub] cannot read hub receipt, retrying next cycle")
		return resultOf(record, StatusHubPending), nil
	}
	if receipt == nil {
		return resultOf(record, StatusHubPending), nil
	}
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		return p.markDelivered(ctx, spoke, record, txHash, StatusDelivered)
	}
	reason := fmt.Sprintf("hub tx %s reverted", txHash)
	if err := p.ledger.ClearHubTx(ctx, record.DepositID, reason); err != nil {
		return nil, err
	}
	log.Warn().Str("depositId", record.DepositID).Str("txHash", txHash).
		Msg("[DepositPipeline] [ConfirmHub] hub transaction reverted, delivery will be retried")
	result := resultOf(record, StatusHubReverted)
	result.Reason = reason
	record.HubTxHash = nil
	rabbitmq.Notify(ctx, p.publisher, rabbitmq.Event{
		Kind:      rabbitmq.KIND_DEPOSIT_FAILED,
		DepositID: record.DepositID,
		ChainID:   record.ChainID,
		Message:   reason,
		Fields:    map[string]any{"stage": string(record.Stage)},
	})
	return result, nil
}

func (p *Pipeline) markDelivered(ctx context.Context, spoke *evm.EvmClient, record *models.DepositRecord, txHash string, status Status) (*Result, error) {
	if err := p.ledger.MarkHubDelivered(ctx, record.DepositID, txHash); err != nil {
		return nil, err
	}
	record.Processed = true
	if txHash != "" {
		record.HubTxHash = &txHash
	}
	p.transition(spoke, record, models.DepositStageHubDelivered)
	rabbitmq.Notify(ctx, p.publisher, rabbitmq.Event{
		Kind:      rabbitmq.KIND_DEPOSIT_DELIVERED,
		DepositID: record.DepositID,
		ChainID:   record.ChainID,
		Message:   "deposit delivered to hub",
		Fields: map[string]any{
			"user":      record.User,
			"token":     record.Token,
			"amount":    record.Amount,
			"hubTxHash": txHash,
		},
	})
	return resultOf(record, status), nil
}

func (p *Pipeline) simulateFailed(ctx context.Context, record *models.DepositRecord, err *types.SimulateFailed) *Result {
	log.Warn().Str("depositId", record.DepositID).Str("label", err.Label).Str("reason", err.Reason).
		Msg("[DepositPipeline] [Process] simulation reverted, attempt aborted")
	p.recordError(ctx, record, err)
	result := resultOf(record, StatusSimulateFailed)
	result.Reason = err.Reason
	return result
}

func (p *Pipeline) recordError(ctx context.Context, record *models.DepositRecord, cause error) {
	if err := p.ledger.RecordDepositError(ctx, record.DepositID, cause.Error()); err != nil {
		log.Error().Err(err).Str("depositId", record.DepositID).Msg("[DepositPipeline] [RecordError] failed to store error")
	}
	rabbitmq.Notify(ctx, p.publisher, rabbitmq.Event{
		Kind:      rabbitmq.KIND_DEPOSIT_FAILED,
		DepositID: record.DepositID,
		ChainID:   record.ChainID,
		Message:   cause.Error(),
		Fields:    map[string]any{"stage": string(record.Stage)},
	})
}

func (p *Pipeline) transition(spoke *evm.EvmClient, record *models.DepositRecord, stage models.DepositStage) {
	record.Stage = stage
	metrics.DepositStages.WithLabelValues(spoke.Name, string(stage)).Inc()
	log.Info().Str("depositId", record.DepositID).Str("chain", spoke.Name).Str("stage", string(stage)).
		Msg("[DepositPipeline] [Process] stage reached")
}

func resultOf(record *models.DepositRecord, status Status) *Result {
	result := &Result{DepositID: record.DepositID, Status: status, Stage: record.Stage}
	if record.OutboxTxHash != nil {
		result.OutboxTxHash = *record.OutboxTxHash
	}
	if record.HubTxHash != nil {
		result.HubTxHash = *record.HubTxHash
	}
	return result
}

// ResumePending re-runs every unprocessed deposit. Contract reads decide what is left to do.
func (p *Pipeline) ResumePending(ctx context.Context) (int, error) {
	records, err := p.ledger.ListUnprocessedDeposits(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list unprocessed deposits: %w", err)
	}
	progressed := 0
	for _, record := range records {
		if ctx.Err() != nil {
			return progressed, ctx.Err()
		}
		before := record.Stage
		result, err := p.Process(ctx, record.DepositID)
		if err != nil {
			log.Error().Err(err).Str("depositId", record.DepositID).Msg("[DepositPipeline] [ResumePending] failed to process deposit")
			continue
		}
		if result.Stage != before {
			progressed++
		}
	}
	if len(records) > 0 {
		log.Debug().Int("pending", len(records)).Int("progressed", progressed).Msg("[DepositPipeline] [ResumePending] cycle done")
	}
	return progressed, nil
}

// Start polls unprocessed deposits until ctx is done.
func (p *Pipeline) Start(ctx context.Context) {
	interval := p.interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("[DepositPipeline] [Start] stopped")
			return
		case <-ticker.C:
			if _, err := p.ResumePending(ctx); err != nil {
				log.Error().Err(err).Msg("[DepositPipeline] [Start] resume failed")
			}
		}
	}
}
