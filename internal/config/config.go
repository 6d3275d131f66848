package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server ServerConfig
	App    AppConfig
	Store  StoreConfig
	Cache  CacheConfig
	Chain  ChainConfig
	Relay  RelayConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"5m"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name        string   `envconfig:"APP_NAME" default:"nft-marketplace"`
	Environment string   `envconfig:"APP_ENV" default:"development"`
	Debug       bool     `envconfig:"APP_DEBUG" default:"false"`
	Version     string   `envconfig:"APP_VERSION" default:"1.0.0"`
	LoginKey    string   `envconfig:"LOGIN_KEY" default:""` // Admin API key
	APIKeys     []string `envconfig:"API_KEYS" default:""`  // Operator keys allowed to act for X-Account
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string   `envconfig:"LOG_FORMAT" default:"text"` // text or json
}

// StoreConfig selects the ledger store.
type StoreConfig struct {
	Type string `envconfig:"STORE_TYPE" default:"sqlite"` // memory, sqlite, postgres or mysql
	Path string `envconfig:"STORE_PATH" default:"./data/marketplace.db"`
	// PostgreSQL / MySQL settings
	Host     string `envconfig:"STORE_HOST" default:"localhost"`
	Port     int    `envconfig:"STORE_PORT" default:"5432"`
	Name     string `envconfig:"STORE_NAME" default:"marketplace"`
	User     string `envconfig:"STORE_USER" default:"postgres"`
	Password string `envconfig:"STORE_PASS" default:""`
	SSLMode  string `envconfig:"STORE_SSLMODE" default:"disable"`
}

// CacheConfig holds cache settings for sessions and login challenges.
type CacheConfig struct {
	Type     string        `envconfig:"CACHE_TYPE" default:"memory"` // memory or redis
	TokenTTL time.Duration `envconfig:"TOKEN_TTL" default:"1h"`

	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"nftmarket:"`
}

// ChainConfig selects where NFT ownership and payouts live.
type ChainConfig struct {
	Mode               string        `envconfig:"CHAIN_MODE" default:"devnet"` // devnet or ethereum
	RPCURL             string        `envconfig:"CHAIN_RPC_URL" default:""`
	OperatorKey        string        `envconfig:"CHAIN_OPERATOR_KEY" default:""`
	MarketplaceAddress string        `envconfig:"CHAIN_MARKETPLACE_ADDRESS" default:""`
	FixturePath        string        `envconfig:"CHAIN_FIXTURE_PATH" default:""`
	ConfirmTimeout     time.Duration `envconfig:"CHAIN_CONFIRM_TIMEOUT" default:"2m"`
}

// RelayConfig holds event relay settings.
type RelayConfig struct {
	Enabled   bool          `envconfig:"RELAY_ENABLED" default:"true"`
	Interval  time.Duration `envconfig:"RELAY_INTERVAL" default:"1s"`
	BatchSize int           `envconfig:"RELAY_BATCH_SIZE" default:"100"`
	Stream    string        `envconfig:"RELAY_STREAM" default:"nftmarket:events"`
	MaxLen    int64         `envconfig:"RELAY_STREAM_MAXLEN" default:"100000"`
}

// PostgresDSN returns the PostgreSQL connection string.
func (s *StoreConfig) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		s.User, s.Password, s.Host, s.Port, s.Name, s.SSLMode)
}

// MySQLDSN returns the MySQL data source name.
func (s *StoreConfig) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
		s.User, s.Password, s.Host, s.Port, s.Name)
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisAddress returns the Redis address in host:port format.
func (c *CacheConfig) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// IsDevelopment returns true if running in development mode.
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (a *AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// HasAPIKey reports whether key is one of the configured operator keys.
func (a *AppConfig) HasAPIKey(key string) bool {
	if key == "" {
		return false
	}
	for _, k := range a.APIKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Validate checks enumerations and the fields each mode requires.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Type {
	case "memory", "postgres", "mysql":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("STORE_PATH is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_TYPE %q", c.Store.Type))
	}

	switch c.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown CACHE_TYPE %q", c.Cache.Type))
	}

	switch c.Chain.Mode {
	case "devnet":
	case "ethereum":
		if c.Chain.RPCURL == "" {
			errs = append(errs, errors.New("CHAIN_RPC_URL is required for ethereum mode"))
		}
		if c.Chain.OperatorKey == "" {
			errs = append(errs, errors.New("CHAIN_OPERATOR_KEY is required for ethereum mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CHAIN_MODE %q", c.Chain.Mode))
	}
	if a := c.Chain.MarketplaceAddress; a != "" && !common.IsHexAddress(a) {
		errs = append(errs, fmt.Errorf("CHAIN_MARKETPLACE_ADDRESS %q is not an address", a))
	}

	switch strings.ToLower(c.App.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.App.LogFormat))
	}
	if c.Relay.BatchSize <= 0 {
		errs = append(errs, errors.New("RELAY_BATCH_SIZE must be positive"))
	}

	return errors.Join(errs...)
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
