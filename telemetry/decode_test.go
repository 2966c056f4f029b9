package telemetry

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/edgesink/errors"
)

func TestDecodeFrame_SensorReading(t *testing.T) {
	data := []byte(`{
		"kind": "sensor_reading",
		"device_id": "hub-7",
		"timestamp": 1735689600000,
		"sequence": 42,
		"payload": {"sensor_type": "temperature", "value": 21.5, "unit": "C"}
	}`)

	env, err := DecodeFrame(data)
	require.NoError(t, err)

	assert.Equal(t, "hub-7", env.DeviceID)
	assert.Equal(t, uint64(42), env.Sequence)
	assert.Equal(t, KindSensorReading, env.Kind)
	assert.Equal(t, time.UnixMilli(1735689600000).UTC(), env.Timestamp)
	require.NotNil(t, env.Sensor)
	assert.Equal(t, "temperature", env.Sensor.SensorType)
	assert.InDelta(t, 21.5, env.Sensor.Value, 1e-9)
	assert.Equal(t, "C", env.Sensor.Unit)
	assert.Nil(t, env.Metrics)
	assert.Nil(t, env.Alert)
}

func TestDecodeFrame_MetricsReport(t *testing.T) {
	data := []byte(`{
		"kind": "metrics_report",
		"device_id": "edge-1",
		"timestamp": 1735689600000,
		"sequence": 1,
		"payload": {"cpu_pct": 12.5, "ram_pct": 63.1, "disk_pct": 80, "network_bytes": 4096}
	}`)

	env, err := DecodeFrame(data)
	require.NoError(t, err)
	require.NotNil(t, env.Metrics)
	assert.Equal(t, int64(4096), env.Metrics.NetworkBytes)
}

func TestDecodeFrame_AlertEvent(t *testing.T) {
	data := []byte(`{
		"kind": "alert_event",
		"device_id": "edge-1",
		"timestamp": 1735689600000,
		"sequence": 9,
		"payload": {"severity": "critical", "code": "CO2_HIGH", "message": "co2 above threshold"}
	}`)

	env, err := DecodeFrame(data)
	require.NoError(t, err)
	require.NotNil(t, env.Alert)
	assert.Equal(t, SeverityCritical, env.Alert.Severity)
}

func TestDecodeFrame_Heartbeat(t *testing.T) {
	data := []byte(`{"kind": "heartbeat", "device_id": "edge-1", "timestamp": 1735689600000, "sequence": 3}`)

	env, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, env.Kind)
	assert.False(t, env.Kind.Persistable())
}

func TestDecodeFrame_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"invalid json":        []byte(`{not json`),
		"missing device_id":   []byte(`{"kind":"heartbeat","timestamp":1,"sequence":1}`),
		"unknown kind":        []byte(`{"kind":"bogus","device_id":"d","timestamp":1,"sequence":1}`),
		"missing payload":     []byte(`{"kind":"sensor_reading","device_id":"d","timestamp":1,"sequence":1}`),
		"missing sensor_type": []byte(`{"kind":"sensor_reading","device_id":"d","timestamp":1,"sequence":1,"payload":{"value":1}}`),
		"cpu out of range":    []byte(`{"kind":"metrics_report","device_id":"d","timestamp":1,"sequence":1,"payload":{"cpu_pct":101}}`),
		"negative bytes":      []byte(`{"kind":"metrics_report","device_id":"d","timestamp":1,"sequence":1,"payload":{"network_bytes":-1}}`),
		"bad severity":        []byte(`{"kind":"alert_event","device_id":"d","timestamp":1,"sequence":1,"payload":{"severity":"meh","code":"X"}}`),
		"missing alert code":  []byte(`{"kind":"alert_event","device_id":"d","timestamp":1,"sequence":1,"payload":{"severity":"info"}}`),
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrame(data)
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrDecodeFailed))
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestKind_Valid(t *testing.T) {
	for _, k := range Kinds() {
		assert.True(t, k.Valid())
	}
	assert.False(t, Kind("nope").Valid())
}
