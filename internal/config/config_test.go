package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("THROTTLE_STORE", "")

	cfg := LoadConfig()

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 1, cfg.Throttle.SweepHour)
	assert.Equal(t, 0, cfg.Throttle.SweepMinute)
	assert.True(t, cfg.Throttle.LoadDefaults)
	assert.Equal(t, "0.0.0.0:8080", cfg.GetServerAddress())
	assert.Same(t, cfg, Get())
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("THROTTLE_STORE", "SQL")
	t.Setenv("THROTTLE_SQL_DIALECT", "sqlite")
	t.Setenv("THROTTLE_SQL_DSN", "file::memory:")
	t.Setenv("THROTTLE_SWEEP_HOUR", "3")
	t.Setenv("THROTTLE_SWEEP_TIMEOUT", "90s")
	t.Setenv("EVENT_SINKS", "kafka, clickhouse,,")
	t.Setenv("SCYLLA_NODES", "a:9042,b:9042")

	cfg := LoadConfig()

	assert.Equal(t, BackendSQL, cfg.Store.Backend)
	assert.Equal(t, "sqlite", cfg.Store.Dialect)
	assert.Equal(t, 3, cfg.Throttle.SweepHour)
	assert.Equal(t, 90*time.Second, cfg.Throttle.SweepTimeout)
	assert.Equal(t, []string{"kafka", "clickhouse"}, cfg.Events.Sinks)
	assert.Equal(t, []string{"a:9042", "b:9042"}, cfg.Scylla.Nodes)
	assert.True(t, cfg.HasSink("kafka"))
	assert.False(t, cfg.HasSink("elasticsearch"))
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Environment: EnvDevelopment,
			Store:       StoreConfig{Backend: BackendMemory},
			Bucketing:   BucketingConfig{BlockedBuckets: 8},
			Throttle:    ThrottleConfig{SweepHour: 1},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "unsupported THROTTLE_STORE"},
		{"sql without dsn", func(c *Config) { c.Store.Backend = BackendSQL; c.Store.Dialect = "postgres" }, "THROTTLE_SQL_DSN"},
		{"bad dialect", func(c *Config) { c.Store.Backend = BackendSQL; c.Store.Dialect = "oracle" }, "unsupported THROTTLE_SQL_DIALECT"},
		{"bad hour", func(c *Config) { c.Throttle.SweepHour = 24 }, "THROTTLE_SWEEP_HOUR"},
		{"bad minute", func(c *Config) { c.Throttle.SweepMinute = -1 }, "THROTTLE_SWEEP_MINUTE"},
		{"no buckets", func(c *Config) { c.Bucketing.BlockedBuckets = 0 }, "BUCKETING_BLOCKED_BUCKETS"},
		{"bad sink", func(c *Config) { c.Events.Sinks = []string{"nats"} }, "unsupported event sink"},
		{"production without token", func(c *Config) { c.Environment = EnvProduction }, "ADMIN_TOKEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
