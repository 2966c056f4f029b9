package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/edgesink/batch"
	"github.com/c360/edgesink/component"
	"github.com/c360/edgesink/telemetry"
)

func env(kind telemetry.Kind, seq uint64) telemetry.Envelope {
	e := telemetry.Envelope{
		DeviceID:  "dev-1",
		Timestamp: time.Now().UTC(),
		Sequence:  seq,
		Kind:      kind,
	}
	switch kind {
	case telemetry.KindSensorReading:
		e.Sensor = &telemetry.SensorReading{SensorType: "temperature", Value: 1, Unit: "C"}
	case telemetry.KindMetricsReport:
		e.Metrics = &telemetry.MetricsReport{CPUPct: 10}
	case telemetry.KindAlertEvent:
		e.Alert = &telemetry.AlertEvent{Severity: telemetry.SeverityInfo, Code: "X"}
	}
	return e
}

func newAcc(t *testing.T, kind telemetry.Kind, maxSize int) *batch.Accumulator {
	t.Helper()
	acc, err := batch.NewAccumulator(kind, maxSize, time.Minute, component.Dependencies{})
	require.NoError(t, err)
	t.Cleanup(acc.Close)
	return acc
}

func TestNew_RejectsDuplicateKinds(t *testing.T) {
	a := newAcc(t, telemetry.KindSensorReading, 10)
	b := newAcc(t, telemetry.KindSensorReading, 10)

	_, err := New([]*batch.Accumulator{a, b}, component.Dependencies{})
	assert.Error(t, err)
}

func TestRoute_DispatchesByKind(t *testing.T) {
	sensors := newAcc(t, telemetry.KindSensorReading, 1)
	alerts := newAcc(t, telemetry.KindAlertEvent, 1)

	r, err := New([]*batch.Accumulator{sensors, alerts}, component.Dependencies{})
	require.NoError(t, err)

	require.NoError(t, r.Route(context.Background(), env(telemetry.KindSensorReading, 1)))
	require.NoError(t, r.Route(context.Background(), env(telemetry.KindAlertEvent, 2)))

	sb := <-sensors.Output()
	assert.Equal(t, telemetry.KindSensorReading, sb.Kind)
	ab := <-alerts.Output()
	assert.Equal(t, telemetry.KindAlertEvent, ab.Kind)
}

func TestRoute_UnknownKindFailsInvalid(t *testing.T) {
	sensors := newAcc(t, telemetry.KindSensorReading, 1)
	r, err := New([]*batch.Accumulator{sensors}, component.Dependencies{})
	require.NoError(t, err)

	err = r.Route(context.Background(), env(telemetry.KindAlertEvent, 1))
	assert.Error(t, err)
}

func TestRoute_HeartbeatCountedNotBuffered(t *testing.T) {
	sensors := newAcc(t, telemetry.KindSensorReading, 1)
	r, err := New([]*batch.Accumulator{sensors}, component.Dependencies{})
	require.NoError(t, err)

	// Accepted without an accumulator: liveness signals are released
	// immediately, never persisted.
	require.NoError(t, r.Route(context.Background(), env(telemetry.KindHeartbeat, 1)))

	select {
	case b := <-sensors.Output():
		t.Fatalf("heartbeat must not reach an accumulator, got batch of %d", b.Len())
	default:
	}
}

func TestRoute_BlocksUntilCapacityFrees(t *testing.T) {
	// maxSize 1: first envelope seals a batch; with a second sealed batch
	// unacknowledged the accumulator rejects further offers transiently.
	sensors := newAcc(t, telemetry.KindSensorReading, 1)
	r, err := New([]*batch.Accumulator{sensors}, component.Dependencies{})
	require.NoError(t, err)

	require.NoError(t, r.Route(context.Background(), env(telemetry.KindSensorReading, 1))) // flush 1 in flight
	require.NoError(t, r.Route(context.Background(), env(telemetry.KindSensorReading, 2))) // fills fresh batch

	done := make(chan error, 1)
	go func() {
		done <- r.Route(context.Background(), env(telemetry.KindSensorReading, 3))
	}()

	select {
	case err := <-done:
		t.Fatalf("route should block under backpressure, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Drain flush 1 and ack: the deferred trigger seals batch 2, freeing
	// space for the blocked envelope.
	<-sensors.Output()
	sensors.Ack()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("route did not resume after capacity freed")
	}
}

func TestRoute_ContextCancelUnblocks(t *testing.T) {
	sensors := newAcc(t, telemetry.KindSensorReading, 1)
	r, err := New([]*batch.Accumulator{sensors}, component.Dependencies{})
	require.NoError(t, err)

	require.NoError(t, r.Route(context.Background(), env(telemetry.KindSensorReading, 1)))
	require.NoError(t, r.Route(context.Background(), env(telemetry.KindSensorReading, 2)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = r.Route(ctx, env(telemetry.KindSensorReading, 3))
	assert.Error(t, err)
}
