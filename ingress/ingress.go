// Package ingress terminates device WebSocket connections and feeds decoded
// telemetry into the router. One long-lived connection per device; malformed
// frames are dropped without closing the stream, and a saturated pipeline
// suspends the read loop until the backpressure timeout expires.
package ingress

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/edgesink/component"
	"github.com/c360/edgesink/errors"
	"github.com/c360/edgesink/router"
	"github.com/c360/edgesink/telemetry"
)

// controlFrame is the only outbound message shape. Devices receive control
// signals, never data.
type controlFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

// deviceConn is one registered device connection
type deviceConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// writeControl sends one control frame under the connection write mutex
func (d *deviceConn) writeControl(frame controlFrame, deadline time.Time) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = d.conn.SetWriteDeadline(deadline)
	return d.conn.WriteMessage(websocket.TextMessage, data)
}

// Adapter is the stream ingress component
type Adapter struct {
	config  Config
	router  *router.Router
	logger  *slog.Logger
	metrics *adapterMetrics

	httpServer *http.Server
	upgrader   websocket.Upgrader

	devices   map[string]*deviceConn
	devicesMu sync.RWMutex

	// Lifecycle management
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lifecycleMu sync.Mutex
	started     atomic.Bool
	startTime   time.Time

	// terminated flips when the listener goroutine exits without Stop
	// being called; the pipeline supervisor restarts the adapter.
	terminated atomic.Bool

	// Statistics
	framesReceived atomic.Int64
	framesDropped  atomic.Int64
	errorCount     atomic.Int64
	lastError      atomic.Value // stores string
	nextConnID     atomic.Int64
}

// Ensure Adapter implements the component contracts
var (
	_ component.LifecycleComponent = (*Adapter)(nil)
	_ component.Discoverable       = (*Adapter)(nil)
)

// New creates a stream ingress adapter forwarding into the given router
func New(config Config, r *router.Router, deps component.Dependencies) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("router is required"),
			"Adapter", "New", "validate router")
	}

	a := &Adapter{
		config:  config,
		router:  r,
		logger:  deps.GetLoggerWithComponent("ingress"),
		metrics: newAdapterMetrics(deps.MetricsRegistry),
		devices: make(map[string]*deviceConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
	return a, nil
}

// Initialize prepares the adapter
func (a *Adapter) Initialize() error {
	return nil
}

// Start begins accepting device connections
func (a *Adapter) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if a.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Adapter", "Start", "check started state")
	}

	adapterCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	mux := http.NewServeMux()
	mux.HandleFunc(a.config.Path, func(w http.ResponseWriter, r *http.Request) {
		a.handleDevice(adapterCtx, w, r)
	})

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.HTTPPort),
		Handler: mux,
	}

	listener, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		cancel()
		return errors.WrapFatal(err, "Adapter", "Start", "bind listen port")
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			a.trackError(err)
			a.terminated.Store(true)
			a.logger.Error("ingress server terminated", "error", err)
		}
	}()

	a.terminated.Store(false)
	a.startTime = time.Now()
	a.started.Store(true)
	a.logger.Info("ingress started",
		"port", a.config.HTTPPort,
		"path", a.config.Path)
	return nil
}

// Stop closes all device connections and shuts down the server
func (a *Adapter) Stop(timeout time.Duration) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if !a.started.Load() {
		return nil
	}

	a.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if a.httpServer != nil {
		_ = a.httpServer.Shutdown(ctx)
	}

	a.devicesMu.Lock()
	for _, d := range a.devices {
		deadline := time.Now().Add(time.Second)
		d.writeMu.Lock()
		_ = d.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		d.writeMu.Unlock()
		_ = d.conn.Close()
	}
	a.devices = make(map[string]*deviceConn)
	a.devicesMu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"Adapter", "Stop", "wait for connection handlers")
	}

	a.started.Store(false)
	a.logger.Info("ingress stopped")
	return nil
}

// handleDevice upgrades one HTTP request to a device stream
func (a *Adapter) handleDevice(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.trackError(err)
		return
	}

	// A reconnecting device may race its own stale connection; the newest
	// wins and the old stream is closed.
	connID := fmt.Sprintf("%s#%d", deviceID, a.nextConnID.Add(1))
	d := &deviceConn{id: connID, conn: conn}

	a.devicesMu.Lock()
	if prev, ok := a.devices[deviceID]; ok {
		_ = prev.conn.Close()
	}
	a.devices[deviceID] = d
	a.devicesMu.Unlock()

	if a.metrics != nil {
		a.metrics.connectionsActive.Inc()
		a.metrics.connectionsTotal.Inc()
	}
	a.logger.Info("device connected", "device_id", deviceID)

	a.wg.Add(2)
	go a.pingLoop(ctx, d)
	go a.readLoop(ctx, deviceID, d)
}

// pingLoop keeps the connection alive; a device that stops answering pings
// is reaped by the read deadline.
func (a *Adapter) pingLoop(ctx context.Context, d *deviceConn) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.writeMu.Lock()
			err := d.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(a.config.PingInterval))
			d.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readLoop decodes inbound frames and forwards them downstream. The device
// owns its frames until Route accepts them; a frame that cannot be routed
// within the backpressure timeout closes the stream so the device can back
// off and reconnect.
func (a *Adapter) readLoop(ctx context.Context, deviceID string, d *deviceConn) {
	defer a.wg.Done()
	defer a.unregister(deviceID, d)

	d.conn.SetReadLimit(a.config.MaxFrameBytes)
	_ = d.conn.SetReadDeadline(time.Now().Add(a.config.PongTimeout))
	d.conn.SetPongHandler(func(string) error {
		return d.conn.SetReadDeadline(time.Now().Add(a.config.PongTimeout))
	})

	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.trackError(errors.ErrConnectionLost)
				a.logger.Warn("device stream lost",
					"device_id", deviceID,
					"error", err)
			}
			return
		}
		_ = d.conn.SetReadDeadline(time.Now().Add(a.config.PongTimeout))
		a.framesReceived.Add(1)
		if a.metrics != nil {
			a.metrics.framesReceived.Inc()
		}

		env, err := telemetry.DecodeFrame(data)
		if err != nil {
			// A malformed frame is the device's problem, not the
			// stream's: drop it, keep reading.
			a.framesDropped.Add(1)
			if a.metrics != nil {
				a.metrics.framesDropped.WithLabelValues("malformed").Inc()
			}
			a.logger.Warn("malformed frame dropped",
				"device_id", deviceID,
				"error", err)
			continue
		}

		routeCtx, cancel := context.WithTimeout(ctx, a.config.BackpressureTimeout)
		err = a.router.Route(routeCtx, env)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if stderrors.Is(err, context.DeadlineExceeded) ||
				routeCtx.Err() == context.DeadlineExceeded {
				a.closeSlow(deviceID, d)
				return
			}
			a.framesDropped.Add(1)
			if a.metrics != nil {
				a.metrics.framesDropped.WithLabelValues("unroutable").Inc()
			}
			a.logger.Error("frame not routable",
				"device_id", deviceID,
				"kind", env.Kind,
				"error", err)
		}
	}
}

// closeSlow tells the device the pipeline is saturated and closes the
// stream. The device's frame was never accepted downstream, so it may
// resend after reconnecting.
func (a *Adapter) closeSlow(deviceID string, d *deviceConn) {
	a.trackError(errors.ErrBackpressureTimeout)
	if a.metrics != nil {
		a.metrics.backpressureCloses.Inc()
	}
	a.logger.Warn("pipeline saturated, closing device stream",
		"device_id", deviceID,
		"timeout", a.config.BackpressureTimeout)

	deadline := time.Now().Add(time.Second)
	_ = d.writeControl(controlFrame{
		Type:      "slow",
		Timestamp: time.Now().UnixMilli(),
		Reason:    "pipeline saturated",
	}, deadline)

	d.writeMu.Lock()
	_ = d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "backpressure timeout"), deadline)
	d.writeMu.Unlock()
	_ = d.conn.Close()
}

// unregister removes the connection from the registry if it is still the
// device's current stream
func (a *Adapter) unregister(deviceID string, d *deviceConn) {
	_ = d.conn.Close()

	a.devicesMu.Lock()
	if cur, ok := a.devices[deviceID]; ok && cur.id == d.id {
		delete(a.devices, deviceID)
	}
	a.devicesMu.Unlock()

	if a.metrics != nil {
		a.metrics.connectionsActive.Dec()
	}
	a.logger.Info("device disconnected", "device_id", deviceID)
}

// trackError records an error for health reporting
func (a *Adapter) trackError(err error) {
	a.errorCount.Add(1)
	a.lastError.Store(err.Error())
}

// Terminated reports whether the listener died while the adapter was
// supposed to be running
func (a *Adapter) Terminated() bool {
	return a.started.Load() && a.terminated.Load()
}

// ActiveConnections returns the number of registered device streams
func (a *Adapter) ActiveConnections() int {
	a.devicesMu.RLock()
	defer a.devicesMu.RUnlock()
	return len(a.devices)
}

// Meta returns component metadata
func (a *Adapter) Meta() component.Metadata {
	return component.Metadata{
		Name:        "ingress",
		Type:        "input",
		Description: "WebSocket ingress terminating device telemetry streams",
		Version:     "1.0.0",
	}
}

// Health returns current health status
func (a *Adapter) Health() component.HealthStatus {
	started := a.started.Load()

	lastErr := ""
	if v := a.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	uptime := time.Duration(0)
	if started && !a.startTime.IsZero() {
		uptime = time.Since(a.startTime)
	}

	// Healthy if running, even with zero connections.
	return component.HealthStatus{
		Healthy:    started && !a.terminated.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(a.errorCount.Load()),
		LastError:  lastErr,
		Uptime:     uptime,
	}
}
