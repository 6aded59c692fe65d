package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides (REVENUE_SERVER_PORT, ...)
const EnvPrefix = "REVENUE"

// Config represents the application configuration
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	AMQP           AMQPConfig           `mapstructure:"amqp"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Store          StoreConfig          `mapstructure:"store"`
	Gains          GainsConfig          `mapstructure:"gains"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	Session        SessionConfig        `mapstructure:"session"`
	Commission     CommissionConfig     `mapstructure:"commission"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Shutdown       ShutdownConfig       `mapstructure:"shutdown"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host            string        `mapstructure:"host" default:"0.0.0.0"`
	Port            int           `mapstructure:"port" default:"8080" validate:"gt=0,lt=65536"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" default:"30s"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" default:"30s"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" default:"60s"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" default:"30s"`
}

// DatabaseConfig contains database connection settings.
// An empty Host selects the in-memory remote store.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" default:"5432"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database" default:"revenue"`
	SSLMode  string `mapstructure:"ssl_mode" default:"disable" validate:"oneof=disable require verify-full"`
}

// RedisConfig contains settings of the keyed store backend.
// An empty Addr selects the in-memory backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	PoolSize int    `mapstructure:"pool_size" default:"10" validate:"gt=0"`
}

// AMQPConfig contains settings of the outbound event sink.
// An empty URL disables the sink.
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange" default:"revenue.events"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level" default:"info" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" default:"json" validate:"oneof=json console"`
	OutputPath string `mapstructure:"output_path" default:"stdout"`
}

// AuthConfig holds JWT validation settings for the API server
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

// StoreConfig holds the regression guards of the keyed store accessor.
// The ratios are tuning values, not business rules.
type StoreConfig struct {
	WarnDropRatio           float64       `mapstructure:"warn_drop_ratio" default:"0.01" validate:"gte=0,lte=1"`
	RejectDropRatio         float64       `mapstructure:"reject_drop_ratio" default:"0.05" validate:"gte=0,lte=1"`
	TransactionMarkerWindow time.Duration `mapstructure:"transaction_marker_window" default:"10s"`
}

// GainsConfig holds the daily gains tracker limits and self-repair heuristics
type GainsConfig struct {
	SafetyCap            float64       `mapstructure:"safety_cap" default:"1000" validate:"gt=0"`
	MinIncrement         float64       `mapstructure:"min_increment" default:"0.001" validate:"gte=0"`
	MaxIncrement         float64       `mapstructure:"max_increment" default:"0.05" validate:"gtefield=MinIncrement"`
	ThrottleInterval     time.Duration `mapstructure:"throttle_interval" default:"200ms"`
	LockTimeout          time.Duration `mapstructure:"lock_timeout" default:"3s"`
	CheckInterval        time.Duration `mapstructure:"check_interval" default:"15s"`
	AnomalyCapMultiplier float64       `mapstructure:"anomaly_cap_multiplier" default:"2" validate:"gte=1"`
	StableDropRatio      float64       `mapstructure:"stable_drop_ratio" default:"0.1" validate:"gte=0,lte=1"`
	HistorySize          int           `mapstructure:"history_size" default:"10" validate:"gt=0"`
}

// SchedulerConfig holds the auto-session scheduler timings.
// Per-tier run intervals come from the plan catalog.
type SchedulerConfig struct {
	ImmediateRunAfter time.Duration `mapstructure:"immediate_run_after" default:"10s"`
	WatchdogInterval  time.Duration `mapstructure:"watchdog_interval" default:"30s"`
}

// SessionConfig holds the revenue calculator bounds
type SessionConfig struct {
	BaseMin              float64 `mapstructure:"base_min" default:"0.01" validate:"gte=0"`
	BaseMax              float64 `mapstructure:"base_max" default:"0.10" validate:"gtefield=BaseMin"`
	NewUserDays          int     `mapstructure:"new_user_days" default:"7" validate:"gte=0"`
	NewUserMultiplier    float64 `mapstructure:"new_user_multiplier" default:"3" validate:"gt=0"`
	FreeTierMultiplier   float64 `mapstructure:"free_tier_multiplier" default:"1.5" validate:"gt=0"`
	ReferralBonusStep    float64 `mapstructure:"referral_bonus_step" default:"0.05" validate:"gte=0"`
	ReferralBonusCap     float64 `mapstructure:"referral_bonus_cap" default:"1.5" validate:"gte=1"`
	LimitEpsilon         float64 `mapstructure:"limit_epsilon" default:"0.01" validate:"gte=0"`
	PlanCatalogPath      string  `mapstructure:"plan_catalog_path"`
}

// CommissionConfig holds the referral commission batch job settings
type CommissionConfig struct {
	Policy       string        `mapstructure:"policy" default:"deferred" validate:"oneof=deferred immediate"`
	BatchSize    int           `mapstructure:"batch_size" default:"10" validate:"gt=0"`
	BatchPause   time.Duration `mapstructure:"batch_pause" default:"1s"`
	PaymentDelay time.Duration `mapstructure:"payment_delay" default:"720h"`
	RateCacheTTL time.Duration `mapstructure:"rate_cache_ttl" default:"5m"`
	Interval     time.Duration `mapstructure:"interval" default:"1h"`
}

// ReconciliationConfig contains settings for balance reconciliation
type ReconciliationConfig struct {
	Interval time.Duration `mapstructure:"interval" default:"60s"`
	Timeout  time.Duration `mapstructure:"timeout" default:"2m"`
}

// RetryConfig contains exponential backoff settings for important remote writes
type RetryConfig struct {
	BaseDelay  time.Duration `mapstructure:"base_delay" default:"1s"`
	Multiplier float64       `mapstructure:"multiplier" default:"2" validate:"gte=1"`
	MaxRetries int           `mapstructure:"max_retries" default:"3" validate:"gte=0"`
}

// ShutdownConfig contains graceful shutdown settings
type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout" default:"30s"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Load loads configuration from file and environment variables.
// A .env file next to the working directory is applied first when present.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks struct constraints and cross-field rules
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if cfg.Store.RejectDropRatio < cfg.Store.WarnDropRatio {
		return fmt.Errorf("store.reject_drop_ratio must be >= store.warn_drop_ratio")
	}
	return nil
}

// GetConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) GetConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Enabled reports whether a Postgres host is configured
func (c *DatabaseConfig) Enabled() bool {
	return c.Host != ""
}
