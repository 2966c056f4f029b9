package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/edgesink/errors"
)

// frame is the wire representation of one inbound WebSocket message.
// The common fields are flat; the variant payload is deferred so the kind
// tag decides which shape to decode it into.
type frame struct {
	Kind      string          `json:"kind"`
	DeviceID  string          `json:"device_id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds, device-reported
	Sequence  uint64          `json:"sequence"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodeFrame decodes one wire frame into an Envelope. Malformed frames
// return an error wrapping errors.ErrDecodeFailed; the caller drops the
// frame and keeps the connection.
func DecodeFrame(data []byte) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Envelope{}, decodeErr("unmarshal frame: %v", err)
	}

	if f.DeviceID == "" {
		return Envelope{}, decodeErr("missing device_id")
	}

	kind := Kind(f.Kind)
	if !kind.Valid() {
		return Envelope{}, decodeErr("unknown kind %q", f.Kind)
	}

	env := Envelope{
		DeviceID:  f.DeviceID,
		Timestamp: time.UnixMilli(f.Timestamp).UTC(),
		Sequence:  f.Sequence,
		Kind:      kind,
	}

	switch kind {
	case KindSensorReading:
		var p SensorReading
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return Envelope{}, err
		}
		if p.SensorType == "" {
			return Envelope{}, decodeErr("sensor_reading missing sensor_type")
		}
		env.Sensor = &p

	case KindMetricsReport:
		var p MetricsReport
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return Envelope{}, err
		}
		for name, pct := range map[string]float64{
			"cpu_pct": p.CPUPct, "ram_pct": p.RAMPct, "disk_pct": p.DiskPct,
		} {
			if pct < 0 || pct > 100 {
				return Envelope{}, decodeErr("%s out of range: %v", name, pct)
			}
		}
		if p.NetworkBytes < 0 {
			return Envelope{}, decodeErr("negative network_bytes: %d", p.NetworkBytes)
		}
		env.Metrics = &p

	case KindAlertEvent:
		var p AlertEvent
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return Envelope{}, err
		}
		if !p.Severity.Valid() {
			return Envelope{}, decodeErr("unknown severity %q", p.Severity)
		}
		if p.Code == "" {
			return Envelope{}, decodeErr("alert_event missing code")
		}
		env.Alert = &p

	case KindHeartbeat:
		// No payload beyond the common fields.
	}

	return env, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return decodeErr("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return decodeErr("unmarshal payload: %v", err)
	}
	return nil
}

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errors.ErrDecodeFailed, fmt.Sprintf(format, args...))
}
