// Package heartbeat emits a fixed-interval liveness signal for the service
// itself over NATS. The actor holds its own supervised broker connection,
// independent of the persistence path, so store outages never silence the
// heartbeat and broker outages never stall persistence.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/edgesink/component"
	"github.com/c360/edgesink/errors"
	"github.com/c360/edgesink/pkg/retry"
	"github.com/c360/edgesink/resilient"
)

// Config holds heartbeat actor settings
type Config struct {
	// URL is the NATS server to publish to
	URL string `json:"url"`

	// Subject is the NATS subject heartbeats are published on
	Subject string `json:"subject"`

	// ServiceID identifies this instance in the beat payload
	ServiceID string `json:"service_id"`

	// Interval between beats
	Interval time.Duration `json:"interval"`

	// SendTimeout bounds one publish attempt so a dead broker cannot wedge
	// the ticker
	SendTimeout time.Duration `json:"send_timeout"`

	// Backoff governs broker reconnect timing
	Backoff retry.Config `json:"-"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "nats url is required")
	}
	if c.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "subject is required")
	}
	if c.Interval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"interval must be > 0")
	}
	if c.SendTimeout <= 0 || c.SendTimeout >= c.Interval {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"send_timeout must be > 0 and shorter than the interval")
	}
	return nil
}

// Beat is the published liveness payload
type Beat struct {
	ServiceID string    `json:"service_id"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
}

// Actor publishes one Beat per interval. A beat that cannot be sent within
// the send timeout is skipped with a warning; beats are never queued, the
// signal's value is its freshness.
type Actor struct {
	config     Config
	supervisor *resilient.Supervisor[*nats.Conn]
	logger     *slog.Logger
	metrics    *actorMetrics

	// publish sends one payload; replaced in unit tests
	publish func(conn *nats.Conn, subject string, payload []byte) error

	sequence atomic.Uint64

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lifecycleMu sync.Mutex
	started     atomic.Bool
	startTime   time.Time

	beatsSent    atomic.Int64
	beatsSkipped atomic.Int64
	lastError    atomic.Value // stores string
}

// New creates a heartbeat actor
func New(config Config, deps component.Dependencies) (*Actor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := deps.GetLoggerWithComponent("heartbeat")
	metrics := newActorMetrics(deps.MetricsRegistry)

	a := &Actor{
		config:  config,
		logger:  logger,
		metrics: metrics,
		publish: func(conn *nats.Conn, subject string, payload []byte) error {
			return conn.Publish(subject, payload)
		},
	}

	stateCb := func(st resilient.State) {
		if metrics != nil {
			metrics.connState.Set(float64(st))
		}
	}

	a.supervisor = resilient.New("heartbeat-nats", config.Backoff,
		func(ctx context.Context) (*nats.Conn, error) {
			conn, err := nats.Connect(config.URL,
				nats.Name("edgesink-heartbeat"),
				// The supervisor owns reconnects; the client must not
				// compete with its own retry loop.
				nats.RetryOnFailedConnect(false),
				nats.MaxReconnects(0),
			)
			if err != nil {
				return nil, errors.WrapTransient(err, "Actor", "connect", "dial nats")
			}
			return conn, nil
		},
		func(conn *nats.Conn) { conn.Close() },
		resilient.WithLogger[*nats.Conn](logger),
		resilient.WithStateCallback[*nats.Conn](stateCb),
	)

	return a, nil
}

// Initialize prepares the actor
func (a *Actor) Initialize() error {
	return nil
}

// Start launches the ticker loop
func (a *Actor) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if a.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Actor", "Start", "check started state")
	}

	actorCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go a.run(actorCtx)

	a.startTime = time.Now()
	a.started.Store(true)
	a.logger.Info("heartbeat started",
		"subject", a.config.Subject,
		"interval", a.config.Interval)
	return nil
}

// run ticks until ctx is cancelled
func (a *Actor) run(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.beat(ctx)
		}
	}
}

// beat publishes one liveness payload. The sequence advances whether or not
// the send succeeds so the receiver can see skipped beats as gaps.
func (a *Actor) beat(ctx context.Context) {
	seq := a.sequence.Add(1)
	payload, err := json.Marshal(Beat{
		ServiceID: a.config.ServiceID,
		Timestamp: time.Now().UTC(),
		Sequence:  seq,
	})
	if err != nil {
		a.logger.Error("marshal beat", "error", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, a.config.SendTimeout)
	defer cancel()

	err = a.supervisor.Execute(sendCtx, func(ctx context.Context, conn *nats.Conn) error {
		if err := a.publish(conn, a.config.Subject, payload); err != nil {
			return errors.WrapTransient(err, "Actor", "beat", "publish")
		}
		return nil
	})
	if err != nil {
		a.beatsSkipped.Add(1)
		a.lastError.Store(err.Error())
		if a.metrics != nil {
			a.metrics.beatsSkipped.Inc()
		}
		a.logger.Warn("heartbeat skipped", "sequence", seq, "error", err)
		return
	}

	a.beatsSent.Add(1)
	if a.metrics != nil {
		a.metrics.beatsSent.Inc()
	}
}

// Stop halts the ticker and drains the broker connection
func (a *Actor) Stop(timeout time.Duration) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if !a.started.Load() {
		return nil
	}

	a.cancel()

	doneCh := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(timeout):
		a.supervisor.Drain()
		a.started.Store(false)
		return errors.WrapTransient(
			fmt.Errorf("ticker did not stop within %v", timeout),
			"Actor", "Stop", "wait for ticker")
	}

	a.supervisor.Drain()
	a.started.Store(false)
	a.logger.Info("heartbeat stopped", "beats_sent", a.beatsSent.Load())
	return nil
}

// Meta returns component metadata
func (a *Actor) Meta() component.Metadata {
	return component.Metadata{
		Name:        "heartbeat",
		Type:        "actor",
		Description: "Fixed-interval service liveness signal over NATS",
		Version:     "1.0.0",
	}
}

// Health returns current health status
func (a *Actor) Health() component.HealthStatus {
	started := a.started.Load()

	lastErr := ""
	if v := a.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	uptime := time.Duration(0)
	if started && !a.startTime.IsZero() {
		uptime = time.Since(a.startTime)
	}

	// A disconnected broker degrades the heartbeat but the actor itself is
	// alive as long as its ticker runs.
	healthy := started && a.supervisor.State() == resilient.StateConnected

	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(a.beatsSkipped.Load()),
		LastError:  lastErr,
		Uptime:     uptime,
	}
}
