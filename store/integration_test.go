package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/edgesink/batch"
	"github.com/c360/edgesink/telemetry"
)

// TestIntegration_WriterCommitsToPostgres runs the real insert path against
// a containerized store.
func TestIntegration_WriterCommitsToPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ts := NewTestStore(t)

	w, err := NewWriter(Config{
		URL:      ts.URL,
		PoolSize: 4,
		Backoff:  fastBackoff(),
	}, nil, testDeps())
	require.NoError(t, err)

	ctx := context.Background()

	outcome := w.Write(ctx, sensorBatch(7))
	require.NoError(t, outcome.Err)
	assert.Equal(t, 7, outcome.Count)

	count, err := ts.CountRows(ctx, "sensor_reading")
	require.NoError(t, err)
	assert.Equal(t, 7, count)

	// Schema bootstrap is idempotent and covers every variant table.
	for _, table := range []string{"metrics_report", "alert_event"} {
		_, err := ts.CountRows(ctx, table)
		assert.NoError(t, err)
	}

	w.supervisor.Drain()
}

// TestIntegration_WriterDrainsAccumulator exercises the full accumulator to
// store path including acknowledgement.
func TestIntegration_WriterDrainsAccumulator(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ts := NewTestStore(t)

	acc, err := batch.NewAccumulator(telemetry.KindAlertEvent, 3, 50*time.Millisecond, testDeps())
	require.NoError(t, err)

	w, err := NewWriter(Config{
		URL:      ts.URL,
		PoolSize: 4,
		Backoff:  fastBackoff(),
	}, []*batch.Accumulator{acc}, testDeps())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))

	// Two envelopes: below the size threshold, flushed by age.
	for i := 0; i < 2; i++ {
		require.NoError(t, acc.Offer(telemetry.Envelope{
			DeviceID:  "device-9",
			Timestamp: time.Now().UTC(),
			Sequence:  uint64(i),
			Kind:      telemetry.KindAlertEvent,
			Alert: &telemetry.AlertEvent{
				Severity: telemetry.SeverityWarning,
				Code:     "LOW_BATTERY",
				Message:  "battery below 10 percent",
			},
		}))
	}

	assert.Eventually(t, func() bool {
		count, err := ts.CountRows(ctx, "alert_event")
		return err == nil && count == 2
	}, 10*time.Second, 50*time.Millisecond)

	acc.Close()
	require.NoError(t, w.Stop(5*time.Second))
}
