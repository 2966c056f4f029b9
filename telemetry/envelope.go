// Package telemetry defines the telemetry envelope variants exchanged with
// edge devices and the decoding of inbound wire frames into them.
package telemetry

import (
	"time"
)

// Kind discriminates the envelope variants
type Kind string

// Envelope variants
const (
	KindSensorReading Kind = "sensor_reading"
	KindMetricsReport Kind = "metrics_report"
	KindAlertEvent    Kind = "alert_event"
	KindHeartbeat     Kind = "heartbeat"
)

// Kinds lists all valid envelope kinds in routing order
func Kinds() []Kind {
	return []Kind{KindSensorReading, KindMetricsReport, KindAlertEvent, KindHeartbeat}
}

// Valid reports whether k names a known variant
func (k Kind) Valid() bool {
	switch k {
	case KindSensorReading, KindMetricsReport, KindAlertEvent, KindHeartbeat:
		return true
	default:
		return false
	}
}

// Persistable reports whether envelopes of this kind are written to the
// store. Heartbeat signals are liveness-only and are counted, not persisted.
func (k Kind) Persistable() bool {
	return k != KindHeartbeat
}

// Severity levels for alert events
type Severity string

// Alert severities
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}

// Envelope is one decoded telemetry message of a known variant. Exactly one
// of the payload pointers is non-nil, matching Kind.
type Envelope struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
	Kind      Kind      `json:"kind"`

	Sensor  *SensorReading `json:"sensor,omitempty"`
	Metrics *MetricsReport `json:"metrics,omitempty"`
	Alert   *AlertEvent    `json:"alert,omitempty"`
}

// SensorReading is a single measurement from a device sensor
type SensorReading struct {
	SensorType string  `json:"sensor_type"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
}

// MetricsReport carries device resource utilization
type MetricsReport struct {
	CPUPct       float64 `json:"cpu_pct"`
	RAMPct       float64 `json:"ram_pct"`
	DiskPct      float64 `json:"disk_pct"`
	NetworkBytes int64   `json:"network_bytes"`
}

// AlertEvent signals an abnormal condition detected on the device
type AlertEvent struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}
