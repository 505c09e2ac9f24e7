// Package config loads server configuration from config.yaml, a .env file
// and CAPACITY_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/warp/capacity-engine/capacity"
)

const EnvPrefix = "CAPACITY"

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type LifecycleConfig struct {
	ClosingSoonRatio  float64       `mapstructure:"closing_soon_ratio"`
	ClosingSoonWindow time.Duration `mapstructure:"closing_soon_window"`
}

type LedgerConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

// QuotaConfig maps subscription tiers to active request limits.
type QuotaConfig struct {
	DefaultTier string         `mapstructure:"default_tier"`
	Tiers       map[string]int `mapstructure:"tiers"`
}

type SweeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type OutboxConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://localhost:3000"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("database.path", "./capacity.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("lifecycle.closing_soon_ratio", 0.8)
	v.SetDefault("lifecycle.closing_soon_window", capacity.DefaultClosingSoonWindow)

	v.SetDefault("ledger.max_retries", capacity.DefaultMaxRetries)

	v.SetDefault("quota.default_tier", "free")
	v.SetDefault("quota.tiers", map[string]int{"free": 3, "premium": 10, "enterprise": 50})

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", capacity.DefaultSweepInterval)

	v.SetDefault("outbox.interval", capacity.DefaultDispatchInterval)
	v.SetDefault("outbox.batch_size", capacity.DefaultDispatchBatchSize)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "consolidation-capacity")
}

// Load reads configuration. An empty path looks for an optional
// config.yaml in the working directory; an explicit path must exist.
func Load(path string) (Config, error) {
	var cfg Config

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return cfg, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Lifecycle.ClosingSoonRatio <= 0 || c.Lifecycle.ClosingSoonRatio > 1:
		return fmt.Errorf("lifecycle.closing_soon_ratio must be in (0, 1], got %v", c.Lifecycle.ClosingSoonRatio)
	case c.Lifecycle.ClosingSoonWindow < 0:
		return fmt.Errorf("lifecycle.closing_soon_window must not be negative")
	case c.Ledger.MaxRetries <= 0:
		return fmt.Errorf("ledger.max_retries must be positive")
	case c.Outbox.Interval <= 0 || c.Outbox.BatchSize <= 0:
		return fmt.Errorf("outbox.interval and outbox.batch_size must be positive")
	case c.Sweeper.Enabled && c.Sweeper.Interval <= 0:
		return fmt.Errorf("sweeper.interval must be positive")
	case c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == ""):
		return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	if _, ok := c.Quota.Tiers[c.Quota.DefaultTier]; !ok {
		return fmt.Errorf("quota.default_tier %q has no limit in quota.tiers", c.Quota.DefaultTier)
	}
	return nil
}

// Rules converts the lifecycle section to engine thresholds.
func (l LifecycleConfig) Rules() capacity.Lifecycle {
	return capacity.Lifecycle{
		ClosingSoonRatio:  decimal.NewFromFloat(l.ClosingSoonRatio),
		ClosingSoonWindow: l.ClosingSoonWindow,
	}
}

// Quota builds the tier-based request quota over lookup.
func (q QuotaConfig) Quota(lookup capacity.TierLookup) capacity.TierQuota {
	return capacity.TierQuota{Lookup: lookup, Limits: q.Tiers, DefaultTier: q.DefaultTier}
}

// Build returns a zap logger for this configuration.
func (l LogConfig) Build() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log.level %q: %w", l.Level, err)
	}
	zc.Level = level
	return zc.Build()
}
