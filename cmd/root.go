package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/config"
	"github.com/scalarorg/session-relayer/internal/relayer"
	"github.com/scalarorg/session-relayer/pkg/api"
	"github.com/scalarorg/session-relayer/pkg/db"
	"github.com/scalarorg/session-relayer/pkg/keypool"
	"github.com/scalarorg/session-relayer/pkg/tracing"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	environment string
	configPath  string
	poolName    string
	rootCmd     = &cobra.Command{
		Use:   "relayer",
		Short: "Session relayer and deposit bridge",
		Run:   run,
	}
	merkleCmd = &cobra.Command{
		Use:   "merkle",
		Short: "Print the Merkle root and proofs of a relayer pool",
		RunE:  runMerkle,
	}
	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Advance every unprocessed deposit once and exit",
		RunE:  runReconcile,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	envFile := ".env"
	if environment != "" && environment != "local" {
		envFile = ".env." + environment
	}
	if err := config.LoadEnv(envFile); err != nil {
		return nil, fmt.Errorf("failed to load environment file %s: %w", envFile, err)
	}
	config.InitLogger()
	return config.Load(configPath)
}

func run(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	dbAdapter, err := db.NewDatabaseAdapter(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create database adapter")
	}

	service, err := relayer.NewService(cfg, dbAdapter)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create relayer service")
	}

	err = service.Start(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start relayer service")
	}

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down relayer...")
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	service.Stop(stopCtx)
	if err := shutdownTracing(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush traces")
	}
}

func runMerkle(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	name := poolName
	if name == "" {
		name = cfg.Server.TradePool
	}
	poolCfg, ok := cfg.GetPool(name)
	if !ok {
		return fmt.Errorf("pool %q is not configured", name)
	}
	pool, err := keypool.LoadPool(*poolCfg, 0)
	if err != nil {
		return err
	}
	set, err := api.BuildRelayerSet(name, pool.Addresses())
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(set)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dbAdapter, err := db.NewDatabaseAdapter(cfg)
	if err != nil {
		return err
	}
	service, err := relayer.NewService(cfg, dbAdapter)
	if err != nil {
		dbAdapter.Close(cmd.Context())
		return err
	}
	defer service.Stop(context.Background())
	progressed, err := service.Pipeline.ResumePending(cmd.Context())
	if err != nil {
		return err
	}
	settled := service.Tracker.Poll(cmd.Context())
	log.Info().Int("progressed", progressed).Int("settled", settled).Msg("[Reconcile] done")
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&environment,
		"env",
		"local",
		"Environment name, selects the .env.<env> file",
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the yaml or json configuration file")
	viper.BindPFlag("env", rootCmd.PersistentFlags().Lookup("env"))
	viper.BindPFlag("config_path", rootCmd.PersistentFlags().Lookup("config"))

	merkleCmd.Flags().StringVar(&poolName, "pool", "", "Pool name, defaults to the trade pool")
	rootCmd.AddCommand(merkleCmd, reconcileCmd)
}
