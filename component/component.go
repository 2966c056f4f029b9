// Package component defines the lifecycle and discovery contracts shared by
// all EdgeSink pipeline components, plus the dependency bundle injected into
// them at construction.
package component

import (
	"time"
)

// Discoverable defines the interface for components that can be inspected
// by the supervision layer.
//
// Components implementing this interface are:
// - Ingress components: accept external data (WebSocket device streams)
// - Routing components: dispatch data between pipeline stages
// - Accumulation components: buffer data into batches
// - Output components: persist or publish data (store writer, heartbeat)
type Discoverable interface {
	// Meta returns basic component information
	Meta() Metadata

	// Health returns current health status
	Health() HealthStatus
}

// Metadata describes what a component is
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "ingress", "router", "accumulator", "output"
	Description string `json:"description"`
	Version     string `json:"version"`
}

// HealthStatus describes the current health state of a component
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}
