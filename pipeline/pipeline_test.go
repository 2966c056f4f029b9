package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/edgesink/component"
	"github.com/c360/edgesink/config"
	"github.com/c360/edgesink/telemetry"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testDeps() component.Dependencies {
	return component.Dependencies{
		Logger: slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1})),
	}
}

// testConfig returns a config with unique ports per test to avoid clashes
func testConfig(serverPort int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = serverPort
	cfg.Metrics.HTTPPort = 0
	cfg.Batch.MaxSize = 3
	cfg.Batch.MaxAge = config.Duration(time.Minute)
	// Endpoints nothing listens on: the supervisors retry in the
	// background without blocking construction or intake.
	cfg.Store.URL = "postgres://localhost:59999/none?sslmode=disable"
	cfg.NATS.URL = "nats://localhost:59998"
	cfg.Heartbeat.Interval = config.Duration(time.Hour)
	cfg.Heartbeat.SendTimeout = config.Duration(time.Second)
	cfg.Backoff.InitialDelay = config.Duration(time.Millisecond)
	cfg.Backoff.MaxDelay = config.Duration(5 * time.Millisecond)
	return cfg
}

func TestNewBuildsAllComponents(t *testing.T) {
	p, err := New(testConfig(18200), testDeps())
	require.NoError(t, err)

	assert.Len(t, p.accumulators, 3, "one accumulator per persistable kind")
	for _, kind := range []telemetry.Kind{
		telemetry.KindSensorReading, telemetry.KindMetricsReport, telemetry.KindAlertEvent,
	} {
		assert.Contains(t, p.accumulators, kind)
	}
	assert.NotContains(t, p.accumulators, telemetry.KindHeartbeat)

	assert.NotNil(t, p.Router())
	assert.NotNil(t, p.Monitor())
	assert.Len(t, p.managed, 3, "writer, heartbeat, ingress")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(18201)
	cfg.Batch.MaxSize = 0
	_, err := New(cfg, testDeps())
	assert.Error(t, err)
}

func TestStartStopLifecycle(t *testing.T) {
	p, err := New(testConfig(18202), testDeps())
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()), "second start must fail")

	for _, m := range p.managed {
		assert.Equal(t, component.StateStarted, m.State, m.Component.Meta().Name)
	}

	require.NoError(t, p.Stop(5*time.Second))
	assert.NoError(t, p.Stop(time.Second), "second stop is a no-op")
}

func TestFramesReachAccumulatorThroughPipeline(t *testing.T) {
	cfg := testConfig(18203)
	p, err := New(cfg, testDeps())
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(5 * time.Second)

	url := fmt.Sprintf("ws://localhost:%d%s?device_id=device-1", cfg.Server.HTTPPort, cfg.Server.Path)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	frame := []byte(`{
		"kind": "alert_event",
		"device_id": "device-1",
		"timestamp": 1700000000000,
		"sequence": 1,
		"payload": {"severity": "critical", "code": "OVERHEAT", "message": "too hot"}
	}`)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	// The alert accumulator buffers it (below size and age thresholds, so
	// it stays in the open batch rather than flushing toward the dead
	// store endpoint).
	acc := p.accumulators[telemetry.KindAlertEvent]
	assert.Eventually(t, func() bool {
		return acc.OpenLen() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthMonitorTracksComponents(t *testing.T) {
	p, err := New(testConfig(18204), testDeps())
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(5 * time.Second)

	assert.Eventually(t, func() bool {
		statuses := p.Monitor().GetAll()
		_, hasIngress := statuses["ingress"]
		_, hasWriter := statuses["writer"]
		_, hasHeartbeat := statuses["heartbeat"]
		return hasIngress && hasWriter && hasHeartbeat
	}, 5*time.Second, 50*time.Millisecond)
}
