package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Bus        BusConfig        `mapstructure:"bus"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Saga       SagaConfig       `mapstructure:"saga"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	OTel       OTelConfig       `mapstructure:"otel"`
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	Debug       bool   `mapstructure:"debug"`
	Version     string `mapstructure:"version"`
}

// ServerConfig holds HTTP server settings for the health and query API
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// BusConfig holds event bus connection settings
type BusConfig struct {
	// Driver selects the bus implementation: pulsar, kafka or memory
	Driver string `mapstructure:"driver"`
	// URL is the Pulsar broker URL (pulsar driver)
	URL string `mapstructure:"url"`
	// Brokers is the Kafka seed broker list (kafka driver)
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
	// LeaseTimeout bounds a single blocking receive; unacknowledged
	// messages are redelivered after it elapses
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
	// SubscriptionPrefix is prepended to per-topic subscription names
	SubscriptionPrefix string `mapstructure:"subscription_prefix"`
}

// DatabaseConfig holds PostgreSQL connection settings for the saga log store
type DatabaseConfig struct {
	// RawDSN, when set, is used verbatim and the individual fields are ignored
	RawDSN          string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	if d.RawDSN != "" {
		return d.RawDSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings for the dedupe index
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SagaConfig holds coordinator and reprocessor settings
type SagaConfig struct {
	// MaxRetryAttempts caps per-log-entry retries; entries beyond the cap
	// stay in Error for out-of-band intervention
	MaxRetryAttempts  int           `mapstructure:"max_retry_attempts"`
	ReprocessInterval time.Duration `mapstructure:"reprocess_interval"`
	ReprocessBatch    int           `mapstructure:"reprocess_batch"`
	// DedupeTTL is the retention of payload-hash markers used to suppress
	// duplicate side effects
	DedupeTTL   time.Duration `mapstructure:"dedupe_ttl"`
	LockStripes int           `mapstructure:"lock_stripes"`
	DLQTopic    string        `mapstructure:"dlq_topic"`
}

// ComplianceConfig holds the validation rule parameters. Defaults match
// the contract policy; deployments may override them per jurisdiction.
type ComplianceConfig struct {
	MaxAmount         float64  `mapstructure:"max_amount"`
	WarningAmount     float64  `mapstructure:"warning_amount"`
	PremiumMinAmount  float64  `mapstructure:"premium_min_amount"`
	AllowedCurrencies []string `mapstructure:"allowed_currencies"`
	AllowedStates     []string `mapstructure:"allowed_states"`
}

// JWTConfig holds bearer-token settings for the saga query API
type JWTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Secret         string        `mapstructure:"secret"`
	Issuer         string        `mapstructure:"issuer"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	ServiceName   string  `mapstructure:"service_name"`
	CollectorAddr string  `mapstructure:"collector_addr"`
	SampleRatio   float64 `mapstructure:"sample_ratio"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	v := viper.New()

	// Set config file
	v.SetConfigFile(".env")
	v.SetConfigType("env")

	// Read from .env file (optional); env vars still apply when it is absent
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Not a "file not found" error; continue anyway, env vars win
		}
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	setDefaults(v)

	cfg := &Config{}
	if err := bindConfig(v, cfg); err != nil {
		return nil, fmt.Errorf("failed to bind config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadWithPath loads configuration from a specific path
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	if err := bindConfig(v, cfg); err != nil {
		return nil, fmt.Errorf("failed to bind config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("APP_NAME", "partner-saga")
	v.SetDefault("APP_ENVIRONMENT", "development")
	v.SetDefault("APP_DEBUG", true)
	v.SetDefault("APP_VERSION", "1.0.0")

	// Server defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_READ_TIMEOUT", "30s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "30s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	// Bus defaults
	v.SetDefault("BUS_DRIVER", "pulsar")
	v.SetDefault("BUS_URL", "pulsar://localhost:6650")
	v.SetDefault("BUS_BROKERS", "localhost:9092")
	v.SetDefault("BUS_CLIENT_ID", "partner-saga")
	v.SetDefault("BUS_LEASE_TIMEOUT", "5s")
	v.SetDefault("BUS_SUBSCRIPTION_PREFIX", "saga-choreography")

	// Database defaults (saga log store)
	v.SetDefault("DATABASE_DSN", "")
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "postgres")
	v.SetDefault("DATABASE_DBNAME", "saga_db")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 25)
	v.SetDefault("DATABASE_MIN_IDLE_CONNS", 5)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", "1h")
	v.SetDefault("DATABASE_CONN_MAX_IDLE_TIME", "30m")

	// Redis defaults
	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 50)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 5)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	v.SetDefault("REDIS_READ_TIMEOUT", "3s")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "3s")

	// Saga defaults
	v.SetDefault("SAGA_MAX_RETRY_ATTEMPTS", 3)
	v.SetDefault("SAGA_REPROCESS_INTERVAL", "30s")
	v.SetDefault("SAGA_REPROCESS_BATCH", 50)
	v.SetDefault("SAGA_DEDUPE_TTL", "24h")
	v.SetDefault("SAGA_LOCK_STRIPES", 64)
	v.SetDefault("SAGA_DLQ_TOPIC", "saga-log-dlq")

	// Compliance defaults
	v.SetDefault("COMPLIANCE_MAX_AMOUNT", 50000.0)
	v.SetDefault("COMPLIANCE_WARNING_AMOUNT", 10000.0)
	v.SetDefault("COMPLIANCE_PREMIUM_MIN_AMOUNT", 1000.0)
	v.SetDefault("COMPLIANCE_ALLOWED_CURRENCIES", "USD,EUR,COP,MXN")
	v.SetDefault("COMPLIANCE_ALLOWED_STATES", "ACTIVE,PENDING,SUSPENDED")

	// JWT defaults (query API auth is opt-in)
	v.SetDefault("JWT_ENABLED", false)
	v.SetDefault("JWT_SECRET", "your-secret-key-change-in-production")
	v.SetDefault("JWT_ISSUER", "partner-saga")
	v.SetDefault("JWT_ACCESS_TOKEN_TTL", "15m")

	// OTel defaults
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "partner-saga")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)
}

func bindConfig(v *viper.Viper, cfg *Config) error {
	// App
	cfg.App.Name = v.GetString("APP_NAME")
	cfg.App.Environment = v.GetString("APP_ENVIRONMENT")
	cfg.App.Debug = v.GetBool("APP_DEBUG")
	cfg.App.Version = v.GetString("APP_VERSION")

	// Server
	cfg.Server.Host = v.GetString("SERVER_HOST")
	cfg.Server.Port = v.GetInt("SERVER_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("SERVER_WRITE_TIMEOUT")
	cfg.Server.IdleTimeout = v.GetDuration("SERVER_IDLE_TIMEOUT")

	// Bus
	cfg.Bus.Driver = v.GetString("BUS_DRIVER")
	cfg.Bus.URL = v.GetString("BUS_URL")
	cfg.Bus.Brokers = strings.Split(v.GetString("BUS_BROKERS"), ",")
	cfg.Bus.ClientID = v.GetString("BUS_CLIENT_ID")
	cfg.Bus.LeaseTimeout = v.GetDuration("BUS_LEASE_TIMEOUT")
	cfg.Bus.SubscriptionPrefix = v.GetString("BUS_SUBSCRIPTION_PREFIX")

	// Database
	cfg.Database.RawDSN = v.GetString("DATABASE_DSN")
	cfg.Database.Host = v.GetString("DATABASE_HOST")
	cfg.Database.Port = v.GetInt("DATABASE_PORT")
	cfg.Database.User = v.GetString("DATABASE_USER")
	cfg.Database.Password = v.GetString("DATABASE_PASSWORD")
	cfg.Database.DBName = v.GetString("DATABASE_DBNAME")
	cfg.Database.SSLMode = v.GetString("DATABASE_SSLMODE")
	cfg.Database.MaxOpenConns = v.GetInt("DATABASE_MAX_OPEN_CONNS")
	cfg.Database.MinIdleConns = v.GetInt("DATABASE_MIN_IDLE_CONNS")
	cfg.Database.ConnMaxLifetime = v.GetDuration("DATABASE_CONN_MAX_LIFETIME")
	cfg.Database.ConnMaxIdleTime = v.GetDuration("DATABASE_CONN_MAX_IDLE_TIME")

	// Redis
	cfg.Redis.Enabled = v.GetBool("REDIS_ENABLED")
	cfg.Redis.Host = v.GetString("REDIS_HOST")
	cfg.Redis.Port = v.GetInt("REDIS_PORT")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.PoolSize = v.GetInt("REDIS_POOL_SIZE")
	cfg.Redis.MinIdleConns = v.GetInt("REDIS_MIN_IDLE_CONNS")
	cfg.Redis.DialTimeout = v.GetDuration("REDIS_DIAL_TIMEOUT")
	cfg.Redis.ReadTimeout = v.GetDuration("REDIS_READ_TIMEOUT")
	cfg.Redis.WriteTimeout = v.GetDuration("REDIS_WRITE_TIMEOUT")

	// Saga
	cfg.Saga.MaxRetryAttempts = v.GetInt("SAGA_MAX_RETRY_ATTEMPTS")
	cfg.Saga.ReprocessInterval = v.GetDuration("SAGA_REPROCESS_INTERVAL")
	cfg.Saga.ReprocessBatch = v.GetInt("SAGA_REPROCESS_BATCH")
	cfg.Saga.DedupeTTL = v.GetDuration("SAGA_DEDUPE_TTL")
	cfg.Saga.LockStripes = v.GetInt("SAGA_LOCK_STRIPES")
	cfg.Saga.DLQTopic = v.GetString("SAGA_DLQ_TOPIC")

	// Compliance
	cfg.Compliance.MaxAmount = v.GetFloat64("COMPLIANCE_MAX_AMOUNT")
	cfg.Compliance.WarningAmount = v.GetFloat64("COMPLIANCE_WARNING_AMOUNT")
	cfg.Compliance.PremiumMinAmount = v.GetFloat64("COMPLIANCE_PREMIUM_MIN_AMOUNT")
	cfg.Compliance.AllowedCurrencies = strings.Split(v.GetString("COMPLIANCE_ALLOWED_CURRENCIES"), ",")
	cfg.Compliance.AllowedStates = strings.Split(v.GetString("COMPLIANCE_ALLOWED_STATES"), ",")

	// JWT
	cfg.JWT.Enabled = v.GetBool("JWT_ENABLED")
	cfg.JWT.Secret = v.GetString("JWT_SECRET")
	cfg.JWT.Issuer = v.GetString("JWT_ISSUER")
	cfg.JWT.AccessTokenTTL = v.GetDuration("JWT_ACCESS_TOKEN_TTL")

	// OTel
	cfg.OTel.Enabled = v.GetBool("OTEL_ENABLED")
	cfg.OTel.ServiceName = v.GetString("OTEL_SERVICE_NAME")
	cfg.OTel.CollectorAddr = v.GetString("OTEL_COLLECTOR_ADDR")
	cfg.OTel.SampleRatio = v.GetFloat64("OTEL_SAMPLE_RATIO")

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Bus.Driver {
	case "pulsar":
		if c.Bus.URL == "" {
			return fmt.Errorf("BUS_URL is required for the pulsar driver")
		}
	case "kafka":
		if len(c.Bus.Brokers) == 0 || c.Bus.Brokers[0] == "" {
			return fmt.Errorf("BUS_BROKERS is required for the kafka driver")
		}
	case "memory":
		// no connection settings
	default:
		return fmt.Errorf("unknown bus driver: %q", c.Bus.Driver)
	}

	if c.Bus.LeaseTimeout <= 0 {
		return fmt.Errorf("invalid bus lease timeout: %v", c.Bus.LeaseTimeout)
	}

	if c.Saga.MaxRetryAttempts < 0 {
		return fmt.Errorf("invalid max retry attempts: %d", c.Saga.MaxRetryAttempts)
	}

	if c.Saga.LockStripes <= 0 {
		return fmt.Errorf("invalid lock stripes: %d", c.Saga.LockStripes)
	}

	if c.JWT.Enabled {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT secret is required when JWT is enabled")
		}
		if c.App.Environment == "production" && c.JWT.Secret == "your-secret-key-change-in-production" {
			return fmt.Errorf("JWT secret must be changed in production")
		}
	}

	return nil
}

// ValidateDatabase validates the saga log store configuration
func (c *Config) ValidateDatabase() error {
	if c.Database.RawDSN != "" {
		return nil
	}
	if c.Database.Host == "" {
		return fmt.Errorf("DATABASE_HOST is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("DATABASE_DBNAME is required")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
