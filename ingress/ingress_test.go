package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/edgesink/batch"
	"github.com/c360/edgesink/component"
	"github.com/c360/edgesink/router"
	"github.com/c360/edgesink/telemetry"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testDeps() component.Dependencies {
	return component.Dependencies{
		Logger: slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

// testHarness stands up the adapter behind an httptest server
type testHarness struct {
	adapter *Adapter
	sensors *batch.Accumulator
	server  *httptest.Server
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, cfg Config, accSize int) *testHarness {
	t.Helper()

	sensors, err := batch.NewAccumulator(telemetry.KindSensorReading, accSize, time.Minute, testDeps())
	require.NoError(t, err)

	r, err := router.New([]*batch.Accumulator{sensors}, testDeps())
	require.NoError(t, err)

	a, err := New(cfg, r, testDeps())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		a.handleDevice(ctx, w, req)
	}))

	h := &testHarness{adapter: a, sensors: sensors, server: server, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return h
}

func (h *testHarness) dial(t *testing.T, deviceID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "?device_id=" + deviceID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sensorFrame(seq int) []byte {
	return []byte(fmt.Sprintf(`{
		"kind": "sensor_reading",
		"device_id": "device-1",
		"timestamp": 1700000000000,
		"sequence": %d,
		"payload": {"sensor_type": "temperature", "value": 21.5, "unit": "celsius"}
	}`, seq))
}

func testAdapterConfig() Config {
	cfg := DefaultConfig()
	cfg.BackpressureTimeout = 100 * time.Millisecond
	return cfg
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.HTTPPort = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Path = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.PongTimeout = bad.PingInterval
	assert.Error(t, bad.Validate())
}

func TestRejectsMissingDeviceID(t *testing.T) {
	h := newHarness(t, testAdapterConfig(), 10)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFramesFlowToAccumulator(t *testing.T) {
	h := newHarness(t, testAdapterConfig(), 3)
	conn := h.dial(t, "device-1")

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, sensorFrame(i)))
	}

	select {
	case b := <-h.sensors.Output():
		require.Equal(t, 3, b.Len())
		assert.Equal(t, uint64(0), b.Envelopes[0].Sequence)
		assert.Equal(t, uint64(2), b.Envelopes[2].Sequence)
		assert.Equal(t, "device-1", b.Envelopes[0].DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("batch never flushed")
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, testAdapterConfig(), 2)
	conn := h.dial(t, "device-1")

	// Garbage, then a valid frame with a bad payload, then two good ones.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"kind":"metrics_report","device_id":"device-1","timestamp":1,"sequence":1,"payload":{"cpu_pct":250}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sensorFrame(1)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sensorFrame(2)))

	select {
	case b := <-h.sensors.Output():
		assert.Equal(t, 2, b.Len(), "only well-formed frames reach the batch")
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive malformed frames")
	}

	assert.Eventually(t, func() bool {
		return h.adapter.framesDropped.Load() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestBackpressureTimeoutClosesConnection(t *testing.T) {
	h := newHarness(t, testAdapterConfig(), 1)
	conn := h.dial(t, "device-1")

	// Nothing drains the accumulator: frame 1 flushes, frame 2 refills,
	// frame 3 has nowhere to go and the route stalls past the timeout.
	for i := 1; i <= 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, sensorFrame(i)))
	}

	sawSlow := false
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var ctrl controlFrame
		if json.Unmarshal(data, &ctrl) == nil && ctrl.Type == "slow" {
			sawSlow = true
		}
	}

	assert.True(t, sawSlow, "device should receive a slow signal before the close")
	assert.Eventually(t, func() bool {
		return h.adapter.ActiveConnections() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectReplacesStaleConnection(t *testing.T) {
	h := newHarness(t, testAdapterConfig(), 10)

	first := h.dial(t, "device-1")
	second := h.dial(t, "device-1")

	// The stale stream is closed server-side; the new one stays usable.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	require.NoError(t, second.WriteMessage(websocket.TextMessage, sensorFrame(1)))
	assert.Eventually(t, func() bool {
		return h.adapter.framesReceived.Load() >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.adapter.ActiveConnections())
}

func TestLifecycleStartStop(t *testing.T) {
	sensors, err := batch.NewAccumulator(telemetry.KindSensorReading, 10, time.Minute, testDeps())
	require.NoError(t, err)
	r, err := router.New([]*batch.Accumulator{sensors}, testDeps())
	require.NoError(t, err)

	cfg := testAdapterConfig()
	cfg.HTTPPort = 19873

	a, err := New(cfg, r, testDeps())
	require.NoError(t, err)

	require.NoError(t, a.Initialize())
	require.NoError(t, a.Start(context.Background()))
	assert.Error(t, a.Start(context.Background()))

	url := fmt.Sprintf("ws://localhost:%d%s?device_id=device-1", cfg.HTTPPort, cfg.Path)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sensorFrame(1)))
	assert.Eventually(t, func() bool {
		return a.framesReceived.Load() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Stop(2*time.Second))
	assert.NoError(t, a.Stop(time.Second))
}
