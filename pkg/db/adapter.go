package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/config"
	"github.com/scalarorg/session-relayer/pkg/db/models"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	MONGO_CONNECT_TIMEOUT      = 10 * time.Second
	WEBHOOK_PAYLOAD_COLLECTION = "webhook_payloads"
)

// DatabaseAdapter is the deposit ledger, the relayer transaction audit log and the
// webhook archive. Postgres is required; Mongo only takes over the archive when configured.
type DatabaseAdapter struct {
	PostgresClient *gorm.DB
	MongoClient    *mongo.Client
	MongoDatabase  *mongo.Database
}

func NewDatabaseAdapter(cfg *config.Config) (*DatabaseAdapter, error) {
	postgresClient, err := NewPostgresClient(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	adapter := &DatabaseAdapter{PostgresClient: postgresClient}
	if cfg.Mongo.URI == "" {
		return adapter, nil
	}
	adapter.MongoClient, adapter.MongoDatabase, err = NewMongoClient(cfg.Mongo)
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

func NewPostgresClient(url string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(url), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		return nil, err
	}
	return db, nil
}

func RunMigrations(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.DepositRecord{},
		&models.RelayerTransaction{},
		&models.WebhookPayload{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func NewMongoClient(cfg config.MongoConfig) (*mongo.Client, *mongo.Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), MONGO_CONNECT_TIMEOUT)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	database := cfg.Database
	if database == "" {
		database = config.APP_NAME
	}
	log.Info().Str("database", database).Msg("[DatabaseAdapter] Connected to MongoDB")
	return client, client.Database(database), nil
}

func (db *DatabaseAdapter) Close(ctx context.Context) {
	if db.MongoClient != nil {
		if err := db.MongoClient.Disconnect(ctx); err != nil {
			log.Warn().Err(err).Msg("[DatabaseAdapter] [Close] failed to disconnect MongoDB")
		}
	}
	if db.PostgresClient == nil {
		return
	}
	sqlDB, err := db.PostgresClient.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn().Err(err).Msg("[DatabaseAdapter] [Close] failed to close postgres")
	}
}
