package ingress

import (
	"time"

	"github.com/c360/edgesink/errors"
)

// Config holds WebSocket ingress settings
type Config struct {
	// HTTPPort is the listen port for device connections
	HTTPPort int `json:"http_port"`

	// Path is the WebSocket endpoint path
	Path string `json:"path"`

	// ReadBufferSize for the WebSocket upgrader
	ReadBufferSize int `json:"read_buffer_size"`

	// WriteBufferSize for the WebSocket upgrader
	WriteBufferSize int `json:"write_buffer_size"`

	// MaxFrameBytes caps one inbound frame; larger frames close the
	// connection
	MaxFrameBytes int64 `json:"max_frame_bytes"`

	// PingInterval between server pings on an idle connection
	PingInterval time.Duration `json:"ping_interval"`

	// PongTimeout after which an unresponsive device is disconnected
	PongTimeout time.Duration `json:"pong_timeout"`

	// BackpressureTimeout bounds how long one frame may wait on a
	// saturated pipeline before the connection is closed
	BackpressureTimeout time.Duration `json:"backpressure_timeout"`
}

// DefaultConfig returns ingress defaults
func DefaultConfig() Config {
	return Config{
		HTTPPort:            8081,
		Path:                "/telemetry",
		ReadBufferSize:      4096,
		WriteBufferSize:     1024,
		MaxFrameBytes:       64 * 1024,
		PingInterval:        20 * time.Second,
		PongTimeout:         60 * time.Second,
		BackpressureTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"http_port must be between 1 and 65535")
	}
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "path is required")
	}
	if c.MaxFrameBytes < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_frame_bytes must be >= 1")
	}
	if c.PingInterval <= 0 || c.PongTimeout <= c.PingInterval {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"pong_timeout must exceed ping_interval")
	}
	if c.BackpressureTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"backpressure_timeout must be > 0")
	}
	return nil
}
