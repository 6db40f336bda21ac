package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	APP_NAME                 = "session-relayer"
	DEFAULT_RPC_TIMEOUT      = 5 * time.Second
	DEFAULT_POLL_INTERVAL    = 15 * time.Second
	DEFAULT_MAX_ATTEMPTS     = 3
	DEFAULT_FEE_BUMP_PERCENT = 20
	DEFAULT_GAS_PRICE_GWEI   = 30
	DEFAULT_SERVER_ADDR      = ":8080"
)

type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Enabled  bool   `mapstructure:"enabled"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	TradePool    string        `mapstructure:"trade_pool"`
	RateLimit    int           `mapstructure:"rate_limit"` //Trade requests per second, 0 disables
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Insecure    bool   `mapstructure:"insecure"`
}

// ChainConfig describes one EVM network. The hub chain carries the registry, vault and
// inbox; spoke chains carry the outbox, vault and deposit tokens.
type ChainConfig struct {
	ChainID               uint64        `mapstructure:"chain_id" validate:"required"`
	Name                  string        `mapstructure:"name" validate:"required"`
	Network               string        `mapstructure:"network"` //Notifier network name, e.g. MATIC_MAINNET
	Domain                uint32        `mapstructure:"domain"`
	RPCUrl                string        `mapstructure:"rpc_url" validate:"required"`
	FallbackRPCUrl        string        `mapstructure:"fallback_rpc_url"`
	RPCTimeout            time.Duration `mapstructure:"rpc_timeout"`
	RequiredConfirmations uint64        `mapstructure:"required_confirmations"`
	MinTipGwei            float64       `mapstructure:"min_tip_gwei"`
	MinFeeCapGwei         float64       `mapstructure:"min_fee_cap_gwei"`
	DefaultGasPriceGwei   float64       `mapstructure:"default_gas_price_gwei"`
	Registry              string        `mapstructure:"registry"`
	Vault                 string        `mapstructure:"vault"`
	Outbox                string        `mapstructure:"outbox"`
	Inbox                 string        `mapstructure:"inbox"`
	Tokens                []string      `mapstructure:"tokens"`
}

// PoolConfig lists the key sources for one relayer pool.
type PoolConfig struct {
	Name          string   `mapstructure:"name" validate:"required"`
	Keys          []string `mapstructure:"keys"`
	KeysJSON      string   `mapstructure:"keys_json"`
	PrivateKey    string   `mapstructure:"private_key"`
	Mnemonic      string   `mapstructure:"mnemonic"`
	WalletIndexes []uint32 `mapstructure:"wallet_indexes"`
	Chains        []uint64 `mapstructure:"chains"`
}

type WebhookSecret struct {
	Name    string `mapstructure:"name"`
	Secret  string `mapstructure:"secret" validate:"required"`
	ChainID uint64 `mapstructure:"chain_id"`
}

type WebhookConfig struct {
	Secrets         []WebhookSecret `mapstructure:"secrets" validate:"dive"`
	FallbackChainID uint64          `mapstructure:"fallback_chain_id"`
}

type DispatchConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	FeeBumpPercent  int64         `mapstructure:"fee_bump_percent"`
	Backoff         time.Duration `mapstructure:"backoff"`
	StickyCacheSize int           `mapstructure:"sticky_cache_size"`
}

type BridgeConfig struct {
	HubChainID   uint64        `mapstructure:"hub_chain_id" validate:"required"`
	BridgePool   string        `mapstructure:"bridge_pool"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type Config struct {
	ConfigPath string         `mapstructure:"config_path"`
	Database   DatabaseConfig `mapstructure:"database"`
	Mongo      MongoConfig    `mapstructure:"mongo"`
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq"`
	Server     ServerConfig   `mapstructure:"server"`
	Tracing    TracingConfig  `mapstructure:"tracing"`
	Chains     []ChainConfig  `mapstructure:"chains" validate:"required,min=1,dive"`
	Pools      []PoolConfig   `mapstructure:"pools" validate:"dive"`
	Webhook    WebhookConfig  `mapstructure:"webhook"`
	Dispatch   DispatchConfig `mapstructure:"dispatch"`
	Bridge     BridgeConfig   `mapstructure:"bridge"`
}

var GlobalConfig *Config

// LoadEnv loads a .env file into the process environment if one exists.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// Load reads the config file (yaml or json), applies env overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if url := v.GetString("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("path", path).
		Int("chains", len(cfg.Chains)).
		Int("pools", len(cfg.Pools)).
		Msg("[Config] [Load] configuration loaded")
	GlobalConfig = &cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", DEFAULT_SERVER_ADDR)
	v.SetDefault("server.trade_pool", "trade")
	v.SetDefault("bridge.bridge_pool", "bridge")
	v.SetDefault("rabbitmq.exchange", "relayer.events")
	v.SetDefault("tracing.service_name", APP_NAME)
}

// ApplyDefaults fills zero values that cannot be expressed as viper defaults (slices of structs).
func (c *Config) ApplyDefaults() {
	for i := range c.Chains {
		chain := &c.Chains[i]
		if chain.RPCTimeout == 0 {
			chain.RPCTimeout = DEFAULT_RPC_TIMEOUT
		}
		if chain.DefaultGasPriceGwei == 0 {
			chain.DefaultGasPriceGwei = DEFAULT_GAS_PRICE_GWEI
		}
		if chain.Domain == 0 {
			chain.Domain = uint32(chain.ChainID)
		}
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = DEFAULT_MAX_ATTEMPTS
	}
	if c.Dispatch.FeeBumpPercent == 0 {
		c.Dispatch.FeeBumpPercent = DEFAULT_FEE_BUMP_PERCENT
	}
	if c.Dispatch.Backoff == 0 {
		c.Dispatch.Backoff = 500 * time.Millisecond
	}
	if c.Dispatch.StickyCacheSize == 0 {
		c.Dispatch.StickyCacheSize = 4096
	}
	if c.Bridge.PollInterval == 0 {
		c.Bridge.PollInterval = DEFAULT_POLL_INTERVAL
	}
	if c.Bridge.BatchSize == 0 {
		c.Bridge.BatchSize = 50
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DEFAULT_SERVER_ADDR
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 90 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[uint64]bool, len(c.Chains))
	for _, chain := range c.Chains {
		if seen[chain.ChainID] {
			return fmt.Errorf("invalid config: duplicate chain id %d", chain.ChainID)
		}
		seen[chain.ChainID] = true
	}
	if !seen[c.Bridge.HubChainID] {
		return fmt.Errorf("invalid config: hub chain %d is not configured", c.Bridge.HubChainID)
	}
	if c.Webhook.FallbackChainID != 0 && !seen[c.Webhook.FallbackChainID] {
		return fmt.Errorf("invalid config: webhook fallback chain %d is not configured", c.Webhook.FallbackChainID)
	}
	return nil
}

func (c *Config) GetChain(chainID uint64) (*ChainConfig, bool) {
	for i := range c.Chains {
		if c.Chains[i].ChainID == chainID {
			return &c.Chains[i], true
		}
	}
	return nil, false
}

func (c *Config) GetPool(name string) (*PoolConfig, bool) {
	for i := range c.Pools {
		if c.Pools[i].Name == name {
			return &c.Pools[i], true
		}
	}
	return nil, false
}

func (c *Config) HubChain() *ChainConfig {
	chain, _ := c.GetChain(c.Bridge.HubChainID)
	return chain
}

// SpokeChains returns every configured chain with an outbox.
func (c *Config) SpokeChains() []ChainConfig {
	var spokes []ChainConfig
	for _, chain := range c.Chains {
		if chain.ChainID != c.Bridge.HubChainID && chain.Outbox != "" {
			spokes = append(spokes, chain)
		}
	}
	return spokes
}
