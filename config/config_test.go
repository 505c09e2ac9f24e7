package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/capacity-engine/capacity"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./capacity.db", cfg.Database.Path)
	assert.Equal(t, 0.8, cfg.Lifecycle.ClosingSoonRatio)
	assert.Equal(t, 48*time.Hour, cfg.Lifecycle.ClosingSoonWindow)
	assert.Equal(t, capacity.DefaultMaxRetries, cfg.Ledger.MaxRetries)
	assert.Equal(t, 3, cfg.Quota.Tiers["free"])
	assert.True(t, cfg.Sweeper.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "consolidation-capacity", cfg.Kafka.Topic)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CAPACITY_SERVER_PORT", "9090")
	t.Setenv("CAPACITY_LIFECYCLE_CLOSING_SOON_WINDOW", "24h")
	t.Setenv("CAPACITY_SWEEPER_INTERVAL", "30s")
	t.Setenv("CAPACITY_KAFKA_ENABLED", "true")
	t.Setenv("CAPACITY_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 24*time.Hour, cfg.Lifecycle.ClosingSoonWindow)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capacity.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
lifecycle:
  closing_soon_ratio: 0.9
quota:
  default_tier: basic
  tiers:
    basic: 2
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 0.9, cfg.Lifecycle.ClosingSoonRatio)
	assert.Equal(t, "basic", cfg.Quota.DefaultTier)
	assert.Equal(t, 2, cfg.Quota.Tiers["basic"])

	rules := cfg.Lifecycle.Rules()
	assert.Equal(t, "0.9", rules.ClosingSoonRatio.String())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"ratio above one", func(c *Config) { c.Lifecycle.ClosingSoonRatio = 1.5 }},
		{"ratio zero", func(c *Config) { c.Lifecycle.ClosingSoonRatio = 0 }},
		{"retries", func(c *Config) { c.Ledger.MaxRetries = 0 }},
		{"sweeper interval", func(c *Config) { c.Sweeper.Interval = 0 }},
		{"kafka without topic", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Topic = "" }},
		{"unknown default tier", func(c *Config) { c.Quota.DefaultTier = "gold" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Quota.Tiers = map[string]int{"free": 3}
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLogConfig_Build(t *testing.T) {
	logger, err := LogConfig{Level: "debug", Development: true}.Build()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = LogConfig{Level: "loud"}.Build()
	assert.Error(t, err)
}
