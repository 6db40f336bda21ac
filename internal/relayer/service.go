package relayer

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/config"
	"github.com/scalarorg/session-relayer/pkg/api"
	"github.com/scalarorg/session-relayer/pkg/bridge"
	"github.com/scalarorg/session-relayer/pkg/clients/evm"
	"github.com/scalarorg/session-relayer/pkg/db"
	"github.com/scalarorg/session-relayer/pkg/dispatch"
	"github.com/scalarorg/session-relayer/pkg/finality"
	"github.com/scalarorg/session-relayer/pkg/keypool"
	"github.com/scalarorg/session-relayer/pkg/services/rabbitmq"
	"github.com/scalarorg/session-relayer/pkg/session"
	"github.com/scalarorg/session-relayer/pkg/webhook"
)

type Service struct {
	Config     *config.Config
	DbAdapter  *db.DatabaseAdapter
	EvmClients map[uint64]*evm.EvmClient
	Pools      *keypool.Registry
	Dispatcher *dispatch.Dispatcher
	Tracker    *dispatch.ReceiptTracker
	Gate       *finality.Gate
	Pipeline   *bridge.Pipeline
	Ingestor   *webhook.Ingestor
	Trades     *session.TradeRelayer
	Publisher  rabbitmq.Publisher
	Server     *api.Server
	wg         sync.WaitGroup
}

func NewService(config *config.Config, dbAdapter *db.DatabaseAdapter) (*Service, error) {
	evmClients, err := evm.NewEvmClients(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create evm clients: %w", err)
	}
	pools, err := keypool.LoadRegistry(config)
	if err != nil {
		return nil, fmt.Errorf("failed to load relayer pools: %w", err)
	}
	dispatcher, err := dispatch.NewDispatcher(pools, dispatch.NewRetryPolicy(config.Dispatch), dbAdapter, config.Dispatch.StickyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	publisher, err := rabbitmq.NewPublisher(config.RabbitMQ)
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	gate := finality.NewGate()
	for _, chain := range config.SpokeChains() {
		gate.Register(chain.ChainID, evmClients[chain.ChainID], chain.RequiredConfirmations)
	}
	pipeline, err := bridge.NewPipeline(dbAdapter, gate, dispatcher, evmClients, bridge.PipelineOptions{
		HubChainID:   config.Bridge.HubChainID,
		BridgePool:   config.Bridge.BridgePool,
		PollInterval: config.Bridge.PollInterval,
		BatchSize:    config.Bridge.BatchSize,
		Publisher:    publisher,
	})
	if err != nil {
		publisher.Close()
		return nil, fmt.Errorf("failed to create deposit pipeline: %w", err)
	}
	ingestor := webhook.NewIngestor(config.Webhook, config.Chains, evmClients, dbAdapter, pipeline, dbAdapter, publisher)

	trades, err := newTradeRelayer(config, evmClients, dispatcher, pools)
	if err != nil {
		publisher.Close()
		return nil, err
	}

	service := &Service{
		Config:     config,
		DbAdapter:  dbAdapter,
		EvmClients: evmClients,
		Pools:      pools,
		Dispatcher: dispatcher,
		Tracker:    dispatch.NewReceiptTracker(dbAdapter, evmClients, 0),
		Gate:       gate,
		Pipeline:   pipeline,
		Ingestor:   ingestor,
		Trades:     trades,
		Publisher:  publisher,
	}
	handlers := api.Handlers{
		Ingestor: ingestor,
		Deposits: dbAdapter,
		Pools:    pools,
		Health:   service.health,
	}
	if trades != nil {
		handlers.Trades = trades
	}
	service.Server = api.NewServer(config.Server, handlers)
	return service, nil
}

// newTradeRelayer returns nil when no trade pool is configured; the bridge runs on its own.
func newTradeRelayer(cfg *config.Config, evmClients map[uint64]*evm.EvmClient, dispatcher *dispatch.Dispatcher,
	pools *keypool.Registry) (*session.TradeRelayer, error) {
	if cfg.Server.TradePool == "" {
		return nil, nil
	}
	if _, ok := cfg.GetPool(cfg.Server.TradePool); !ok {
		log.Warn().Str("pool", cfg.Server.TradePool).Msg("[Relayer] [NewService] trade pool not configured, trade relay disabled")
		return nil, nil
	}
	hub := evmClients[cfg.Bridge.HubChainID]
	if hub == nil || hub.Config.Registry == "" {
		return nil, fmt.Errorf("failed to create trade relayer: hub chain %d has no registry", cfg.Bridge.HubChainID)
	}
	authorizer := session.NewAuthorizer(evm.NewRegistry(common.HexToAddress(hub.Config.Registry), hub))
	var vault session.VaultReader
	if hub.Config.Vault != "" {
		vault = evm.NewVault(common.HexToAddress(hub.Config.Vault), hub)
	}
	trades, err := session.NewTradeRelayer(authorizer, vault, dispatcher, pools, cfg.Server.TradePool, hub)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade relayer: %w", err)
	}
	return trades, nil
}

func (s *Service) health(ctx context.Context) error {
	sqlDB, err := s.DbAdapter.PostgresClient.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Service) Start(ctx context.Context) error {
	issues := RunStartupChecks(ctx, s.Config, s.EvmClients, s.Pools)
	for _, issue := range issues {
		rabbitmq.Notify(ctx, s.Publisher, rabbitmq.Event{
			Kind:    rabbitmq.KIND_STARTUP_CHECK,
			ChainID: issue.ChainID,
			Message: issue.Message,
		})
	}
	if len(issues) == 0 {
		log.Info().Msg("[Relayer] [Start] on-chain consistency checks passed")
	}

	//Pick up deposits left unfinished by a previous run before the webhook starts feeding new ones
	if resumed, err := s.Pipeline.ResumePending(ctx); err != nil {
		log.Warn().Err(err).Msg("[Relayer] [Start] cannot resume pending deposits")
	} else if resumed > 0 {
		log.Info().Int("progressed", resumed).Msg("[Relayer] [Start] resumed pending deposits")
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.Pipeline.Start(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.Tracker.Start(ctx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.Server.Start(ctx); err != nil {
			log.Error().Err(err).Msg("[Relayer] [Start] api server stopped with error")
		}
	}()
	return nil
}

// Stop waits for the workers started by Start to exit; cancel their context first.
func (s *Service) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("[Relayer] [Stop] workers did not exit in time")
	}
	s.Publisher.Close()
	s.DbAdapter.Close(ctx)
	log.Info().Msg("[Relayer] [Stop] relayer service stopped")
}
