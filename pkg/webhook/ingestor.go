package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/config"
	"github.com/scalarorg/session-relayer/pkg/bridge"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
	"github.com/scalarorg/session-relayer/pkg/db/models"
	"github.com/scalarorg/session-relayer/pkg/metrics"
	"github.com/scalarorg/session-relayer/pkg/services/rabbitmq"
	"github.com/scalarorg/session-relayer/pkg/types"
)

const (
	StatusInvalidSignature = "invalid_signature"
	StatusMalformed        = "malformed_payload"
	StatusUnknownShape     = "unknown_payload"
	StatusUnknownChain     = "unknown_chain"
	StatusReceiptPending   = "deferred"
	StatusNoVaultTransfer  = "no_vault_transfer"
	StatusError            = "error"
)

type ItemResult struct {
	TxHash    string `json:"txHash,omitempty"`
	ChainID   uint64 `json:"chainId,omitempty"`
	DepositID string `json:"depositId,omitempty"`
	Status    string `json:"status"`
	Stage     string `json:"stage,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// ProcessResult is the webhook response body. It is returned with HTTP 200 in every case.
type ProcessResult struct {
	OK        bool         `json:"ok"`
	Processed int          `json:"processed"`
	Results   []ItemResult `json:"results"`
}

// Processor runs the relay pipeline for a recorded deposit. *bridge.Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, depositID string) (*bridge.Result, error)
}

// Archive stores raw deliveries for forensic replay.
type Archive interface {
	SaveWebhookPayload(ctx context.Context, payload *models.WebhookPayload) error
}

type Ingestor struct {
	secrets   []config.WebhookSecret
	chains    map[uint64]*evm.EvmClient
	resolver  *ChainResolver
	ledger    bridge.Ledger
	pipeline  Processor
	archive   Archive
	publisher rabbitmq.Publisher
}

func NewIngestor(cfg config.WebhookConfig, chainCfgs []config.ChainConfig, chains map[uint64]*evm.EvmClient,
	ledger bridge.Ledger, pipeline Processor, archive Archive, publisher rabbitmq.Publisher) *Ingestor {
	if publisher == nil {
		publisher = rabbitmq.LogPublisher{}
	}
	return &Ingestor{
		secrets:   cfg.Secrets,
		chains:    chains,
		resolver:  NewChainResolver(chainCfgs, cfg.FallbackChainID),
		ledger:    ledger,
		pipeline:  pipeline,
		archive:   archive,
		publisher: publisher,
	}
}

// Ingest verifies, parses and records every vault transfer in the delivery, then runs the
// pipeline for each. The returned error is informational; the result is always usable.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte, signature string) (*ProcessResult, error) {
	archived := &models.WebhookPayload{
		ID:         uuid.New(),
		ReceivedAt: time.Now().UTC(),
		Shape:      string(ShapeUnknown),
		Body:       raw,
	}
	defer i.save(ctx, archived)

	secret, ok := VerifySignature(raw, signature, i.secrets)
	if !ok {
		log.Warn().Int("bytes", len(raw)).Msg("[WebhookIngestor] [Ingest] no signing secret matches")
		metrics.WebhookResults.WithLabelValues(StatusInvalidSignature).Inc()
		rabbitmq.Notify(ctx, i.publisher, rabbitmq.Event{
			Kind:    rabbitmq.KIND_INVALID_SIGNATURE,
			Message: "webhook delivery with an unknown signature",
		})
		result := &ProcessResult{Results: []ItemResult{{Status: StatusInvalidSignature}}}
		archived.Results = encodeResults(result)
		return result, types.ErrInvalidSignature
	}
	archived.SignatureValid = true
	archived.MatchedSecret = secret.Name

	payload, err := ParsePayload(raw)
	if err != nil {
		result := &ProcessResult{Results: []ItemResult{{Status: StatusMalformed, Detail: err.Error()}}}
		archived.Results = encodeResults(result)
		return result, err
	}
	archived.Shape = string(payload.Shape())

	result := &ProcessResult{OK: true, Results: []ItemResult{}}
	if payload.Shape() == ShapeUnknown {
		log.Warn().Msg("[WebhookIngestor] [Ingest] unrecognized payload shape archived")
		result.Results = append(result.Results, ItemResult{Status: StatusUnknownShape})
	}
	seen := make(map[string]bool)
	for _, hint := range payload.Hints() {
		item := i.ingestHint(ctx, hint, secret, seen)
		if item.DepositID != "" {
			result.Processed++
		}
		metrics.WebhookResults.WithLabelValues(item.Status).Inc()
		result.Results = append(result.Results, item)
	}
	archived.Results = encodeResults(result)
	log.Info().Str("shape", archived.Shape).Int("items", len(result.Results)).Int("processed", result.Processed).
		Msg("[WebhookIngestor] [Ingest] delivery handled")
	return result, nil
}

func (i *Ingestor) ingestHint(ctx context.Context, hint TransferHint, secret *config.WebhookSecret, seen map[string]bool) ItemResult {
	item := ItemResult{TxHash: hint.TxHash.Hex()}
	origin, ok := i.resolver.Resolve(hint, secret)
	if !ok {
		item.Status = StatusUnknownChain
		item.Detail = "no chain matches the payload and no fallback chain is configured"
		return item
	}
	if origin.Source == OriginFallback {
		metrics.ChainOriginFallbacks.Inc()
		log.Warn().Str("txHash", item.TxHash).Uint64("chainId", origin.ChainID).Interface("candidates", origin.Candidates).
			Msg("[WebhookIngestor] [Ingest] chain of origin unresolved, using fallback chain")
		rabbitmq.Notify(ctx, i.publisher, rabbitmq.Event{
			Kind:    rabbitmq.KIND_CHAIN_FALLBACK,
			ChainID: origin.ChainID,
			Message: "deposit attributed to the fallback chain",
			Fields:  map[string]any{"txHash": item.TxHash, "candidates": origin.Candidates},
		})
	}
	item.ChainID = origin.ChainID
	client, ok := i.chains[origin.ChainID]
	if !ok || client.Config.Vault == "" {
		item.Status = StatusError
		item.Detail = types.NewConfigError("chains", "chain %d has no client or vault", origin.ChainID).Error()
		return item
	}

	receipt, err := client.ReceiptStatus(ctx, hint.TxHash)
	if err != nil {
		item.Status = StatusError
		item.Detail = fmt.Sprintf("failed to fetch receipt: %v", err)
		return item
	}
	if receipt == nil {
		item.Status = StatusReceiptPending
		item.Detail = "receipt not available yet"
		return item
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		item.Status = StatusNoVaultTransfer
		item.Detail = "transaction reverted"
		return item
	}
	transfer := SelectTransferLog(receipt, common.HexToAddress(client.Config.Vault), allowedTokens(client.Config, hint), hint)
	if transfer == nil {
		item.Status = StatusNoVaultTransfer
		return item
	}

	amount, source, err := ResolveAmount(transfer, hint)
	if err != nil {
		item.Status = StatusError
		item.Detail = err.Error()
		return item
	}
	item.Amount = amount.String()
	if amount.Sign() == 0 {
		log.Warn().Str("txHash", item.TxHash).Uint("logIndex", transfer.Index).
			Msg("[WebhookIngestor] [Ingest] zero amount transfer recorded")
	}

	depositID := bridge.DepositID(origin.ChainID, receipt.TxHash, transfer.Index).Hex()
	item.DepositID = depositID
	if seen[depositID] {
		item.Status = string(bridge.StatusAlreadyProcessed)
		item.Detail = "duplicate within delivery"
		return item
	}
	seen[depositID] = true

	record := &models.DepositRecord{
		DepositID:   depositID,
		ChainID:     origin.ChainID,
		TxHash:      receipt.TxHash.Hex(),
		LogIndex:    transfer.Index,
		BlockNumber: transfer.BlockNumber,
		BlockHash:   transfer.BlockHash.Hex(),
		User:        common.BytesToAddress(transfer.Topics[1].Bytes()).Hex(),
		Token:       transfer.Address.Hex(),
		Amount:      amount.String(),
		Stage:       models.DepositStageObserved,
		ObservedAt:  time.Now().UTC(),
	}
	if record.BlockNumber == 0 && receipt.BlockNumber != nil {
		record.BlockNumber = receipt.BlockNumber.Uint64()
		record.BlockHash = receipt.BlockHash.Hex()
	}
	created, err := i.ledger.CreateDepositIfAbsent(ctx, record)
	if err != nil {
		item.Status = StatusError
		item.Detail = fmt.Sprintf("failed to record deposit: %v", err)
		return item
	}
	log.Info().Str("depositId", depositID).Bool("created", created).Str("amountSource", source).
		Str("origin", string(origin.Source)).Msg("[WebhookIngestor] [Ingest] deposit recorded")

	outcome, err := i.pipeline.Process(ctx, depositID)
	if err != nil {
		item.Status = StatusError
		item.Detail = err.Error()
		return item
	}
	item.Status = string(outcome.Status)
	item.Stage = string(outcome.Stage)
	item.Detail = outcome.Reason
	return item
}

func allowedTokens(chain *config.ChainConfig, hint TransferHint) map[common.Address]bool {
	tokens := make(map[common.Address]bool, len(chain.Tokens)+1)
	for _, token := range chain.Tokens {
		tokens[common.HexToAddress(token)] = true
	}
	if len(tokens) == 0 && hint.Token != (common.Address{}) {
		tokens[hint.Token] = true
	}
	return tokens
}

// SelectTransferLog picks the Transfer log into the vault emitted by an allowed token.
// When several match it prefers the hinted log index, then the hinted sender, then the
// lowest index. An empty token set accepts any emitter.
func SelectTransferLog(receipt *ethtypes.Receipt, vault common.Address, tokens map[common.Address]bool, hint TransferHint) *ethtypes.Log {
	var candidates []*ethtypes.Log
	for _, entry := range receipt.Logs {
		if len(entry.Topics) != 3 || entry.Topics[0] != evm.TransferEventID {
			continue
		}
		if common.BytesToAddress(entry.Topics[2].Bytes()) != vault {
			continue
		}
		if len(tokens) > 0 && !tokens[entry.Address] {
			continue
		}
		candidates = append(candidates, entry)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].Index < candidates[b].Index })
	if hint.LogIndex != nil {
		for _, entry := range candidates {
			if entry.Index == *hint.LogIndex {
				return entry
			}
		}
	}
	if hint.From != (common.Address{}) {
		for _, entry := range candidates {
			if common.BytesToAddress(entry.Topics[1].Bytes()) == hint.From {
				return entry
			}
		}
	}
	return candidates[0]
}

func (i *Ingestor) save(ctx context.Context, payload *models.WebhookPayload) {
	if i.archive == nil {
		return
	}
	if err := i.archive.SaveWebhookPayload(ctx, payload); err != nil {
		log.Error().Err(err).Str("id", payload.ID.String()).Msg("[WebhookIngestor] [Ingest] failed to archive payload")
	}
}

func encodeResults(result *ProcessResult) string {
	encoded, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	return string(encoded)
}
