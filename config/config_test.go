package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"http_port": 9000},
		"batch": {"max_size": 250, "max_age": "2s"},
		"store": {"url": "postgres://db:5432/prod"}
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 250, cfg.Batch.MaxSize)
	assert.Equal(t, 2*time.Second, cfg.Batch.MaxAge.Std())
	assert.Equal(t, "postgres://db:5432/prod", cfg.Store.URL)

	// Untouched sections keep defaults.
	assert.Equal(t, "/telemetry", cfg.Server.Path)
	assert.Equal(t, "edgesink.heartbeat", cfg.Heartbeat.Subject)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.Interval.Std())
}

func TestLoadFileMissing(t *testing.T) {
	_, err := NewLoader().LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadFileMalformed(t *testing.T) {
	path := writeConfig(t, `{"server": `)
	_, err := NewLoader().LoadFile(path)
	assert.Error(t, err)
}

func TestDurationAcceptsStringAndNumber(t *testing.T) {
	path := writeConfig(t, `{
		"batch": {"max_age": 1500000000},
		"heartbeat": {"interval": "10s", "send_timeout": "1s"}
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.Batch.MaxAge.Std())
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval.Std())

	path = writeConfig(t, `{"batch": {"max_age": "not a duration"}}`)
	_, err = NewLoader().LoadFile(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvStoreURL, "postgres://secret:5432/override")
	t.Setenv(EnvNATSURL, "nats://broker:4222")

	path := writeConfig(t, `{"store": {"url": "postgres://file:5432/db"}}`)
	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://secret:5432/override", cfg.Store.URL)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"server port", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"server path", func(c *Config) { c.Server.Path = "" }},
		{"pong timeout", func(c *Config) { c.Server.PongTimeout = c.Server.PingInterval }},
		{"batch size", func(c *Config) { c.Batch.MaxSize = 0 }},
		{"batch size cap", func(c *Config) { c.Batch.MaxSize = 20000 }},
		{"batch age", func(c *Config) { c.Batch.MaxAge = 0 }},
		{"store url", func(c *Config) { c.Store.URL = "" }},
		{"pool size", func(c *Config) { c.Store.PoolSize = 101 }},
		{"nats url", func(c *Config) { c.NATS.URL = "" }},
		{"heartbeat subject", func(c *Config) { c.Heartbeat.Subject = "" }},
		{"heartbeat send timeout", func(c *Config) { c.Heartbeat.SendTimeout = c.Heartbeat.Interval }},
		{"backoff order", func(c *Config) { c.Backoff.MaxDelay = c.Backoff.InitialDelay / 2 }},
		{"backoff multiplier", func(c *Config) { c.Backoff.Multiplier = 0.5 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
