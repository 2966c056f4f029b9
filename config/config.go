// Package config loads and validates the EdgeSink configuration: a JSON
// file with one section per pipeline concern, defaults for everything, and
// environment overrides for connection secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/c360/edgesink/errors"
)

// Environment override variables
const (
	EnvStoreURL = "EDGESINK_STORE_URL"
	EnvNATSURL  = "EDGESINK_NATS_URL"
)

// Duration is a time.Duration that unmarshals from JSON strings ("30s",
// "5m") as well as nanosecond numbers.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
		return nil
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Batch     BatchConfig     `json:"batch"`
	Store     StoreConfig     `json:"store"`
	NATS      NATSConfig      `json:"nats"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Backoff   BackoffConfig   `json:"backoff"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// ServerConfig configures the device-facing WebSocket listener
type ServerConfig struct {
	HTTPPort            int      `json:"http_port"`
	Path                string   `json:"path"`
	MaxFrameBytes       int64    `json:"max_frame_bytes"`
	PingInterval        Duration `json:"ping_interval"`
	PongTimeout         Duration `json:"pong_timeout"`
	BackpressureTimeout Duration `json:"backpressure_timeout"`
}

// BatchConfig configures the per-variant accumulators
type BatchConfig struct {
	MaxSize int      `json:"max_size"`
	MaxAge  Duration `json:"max_age"`
}

// StoreConfig configures the PostgreSQL connection
type StoreConfig struct {
	URL      string `json:"url"`
	PoolSize int    `json:"pool_size"`
}

// NATSConfig configures the broker connection
type NATSConfig struct {
	URL string `json:"url"`
}

// HeartbeatConfig configures the liveness signal
type HeartbeatConfig struct {
	Subject     string   `json:"subject"`
	ServiceID   string   `json:"service_id"`
	Interval    Duration `json:"interval"`
	SendTimeout Duration `json:"send_timeout"`
}

// BackoffConfig configures reconnect timing for supervised connections
type BackoffConfig struct {
	InitialDelay Duration `json:"initial_delay"`
	MaxDelay     Duration `json:"max_delay"`
	Multiplier   float64  `json:"multiplier"`
}

// MetricsConfig configures the observability HTTP server
type MetricsConfig struct {
	HTTPPort int `json:"http_port"`
}

// DefaultConfig returns the configuration used when a section is absent
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:            8081,
			Path:                "/telemetry",
			MaxFrameBytes:       64 * 1024,
			PingInterval:        Duration(20 * time.Second),
			PongTimeout:         Duration(60 * time.Second),
			BackpressureTimeout: Duration(10 * time.Second),
		},
		Batch: BatchConfig{
			MaxSize: 100,
			MaxAge:  Duration(5 * time.Second),
		},
		Store: StoreConfig{
			URL:      "postgres://localhost:5432/edgesink?sslmode=disable",
			PoolSize: 8,
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Heartbeat: HeartbeatConfig{
			Subject:     "edgesink.heartbeat",
			ServiceID:   "edgesink",
			Interval:    Duration(5 * time.Second),
			SendTimeout: Duration(2 * time.Second),
		},
		Backoff: BackoffConfig{
			InitialDelay: Duration(500 * time.Millisecond),
			MaxDelay:     Duration(30 * time.Second),
			Multiplier:   2.0,
		},
		Metrics: MetricsConfig{
			HTTPPort: 9091,
		},
	}
}

// Loader handles configuration loading with defaults and env overrides
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFile loads configuration from a JSON file. Sections absent from the
// file keep their defaults; environment overrides apply last.
func (l *Loader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "LoadFile", "read config file")
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "LoadFile", "parse config file")
	}

	l.applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployment secrets win over file values
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if url := os.Getenv(EnvStoreURL); url != "" {
		cfg.Store.URL = url
	}
	if url := os.Getenv(EnvNATSURL); url != "" {
		cfg.NATS.URL = url
	}
}

// Validate checks the full configuration for errors
func (c *Config) Validate() error {
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return invalid("server.http_port must be between 1 and 65535")
	}
	if c.Server.Path == "" {
		return invalid("server.path is required")
	}
	if c.Server.MaxFrameBytes < 1 {
		return invalid("server.max_frame_bytes must be >= 1")
	}
	if c.Server.PingInterval <= 0 || c.Server.PongTimeout <= c.Server.PingInterval {
		return invalid("server.pong_timeout must exceed server.ping_interval")
	}
	if c.Server.BackpressureTimeout <= 0 {
		return invalid("server.backpressure_timeout must be > 0")
	}

	if c.Batch.MaxSize < 1 || c.Batch.MaxSize > 10000 {
		return invalid("batch.max_size must be between 1 and 10000")
	}
	if c.Batch.MaxAge <= 0 {
		return invalid("batch.max_age must be > 0")
	}

	if c.Store.URL == "" {
		return invalid("store.url is required")
	}
	if c.Store.PoolSize < 1 || c.Store.PoolSize > 100 {
		return invalid("store.pool_size must be between 1 and 100")
	}

	if c.NATS.URL == "" {
		return invalid("nats.url is required")
	}

	if c.Heartbeat.Subject == "" {
		return invalid("heartbeat.subject is required")
	}
	if c.Heartbeat.ServiceID == "" {
		return invalid("heartbeat.service_id is required")
	}
	if c.Heartbeat.Interval <= 0 {
		return invalid("heartbeat.interval must be > 0")
	}
	if c.Heartbeat.SendTimeout <= 0 || c.Heartbeat.SendTimeout >= c.Heartbeat.Interval {
		return invalid("heartbeat.send_timeout must be > 0 and shorter than heartbeat.interval")
	}

	if c.Backoff.InitialDelay <= 0 || c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return invalid("backoff.max_delay must be >= backoff.initial_delay > 0")
	}
	if c.Backoff.Multiplier < 1.0 {
		return invalid("backoff.multiplier must be >= 1.0")
	}

	if c.Metrics.HTTPPort < 0 || c.Metrics.HTTPPort > 65535 {
		return invalid("metrics.http_port must be between 0 and 65535")
	}

	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", msg)
}
