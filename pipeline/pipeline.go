// Package pipeline owns the construction, wiring, supervision and orderly
// shutdown of the full ingestion path: device ingress feeding the router,
// per-variant batch accumulators, the persistence writer draining them, and
// the heartbeat actor. Accumulators belong to the pipeline, not to any
// supervised task, so a component restart never discards buffered data.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/edgesink/batch"
	"github.com/c360/edgesink/component"
	"github.com/c360/edgesink/config"
	"github.com/c360/edgesink/errors"
	"github.com/c360/edgesink/health"
	"github.com/c360/edgesink/heartbeat"
	"github.com/c360/edgesink/ingress"
	"github.com/c360/edgesink/pkg/retry"
	"github.com/c360/edgesink/router"
	"github.com/c360/edgesink/store"
	"github.com/c360/edgesink/telemetry"
)

const (
	// restartDelay paces component restarts after an unexpected termination
	restartDelay = 2 * time.Second

	// watchInterval paces health polling and termination detection
	watchInterval = time.Second
)

// restartable is implemented by components whose run loop can die out from
// under a successful Start.
type restartable interface {
	Terminated() bool
}

// Pipeline builds and supervises the ingestion components
type Pipeline struct {
	cfg    *config.Config
	deps   component.Dependencies
	logger *slog.Logger

	accumulators map[telemetry.Kind]*batch.Accumulator
	router       *router.Router
	writer       *store.Writer
	heartbeat    *heartbeat.Actor
	ingress      *ingress.Adapter

	monitor   *health.Monitor
	obsServer *http.Server

	// managed holds components in start order; shutdown walks it backwards
	managed []*component.Managed

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lifecycleMu sync.Mutex
	started     atomic.Bool
}

// New constructs and wires all pipeline components from configuration
func New(cfg *config.Config, deps component.Dependencies) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:          cfg,
		deps:         deps,
		logger:       deps.GetLoggerWithComponent("pipeline"),
		accumulators: make(map[telemetry.Kind]*batch.Accumulator),
		monitor:      health.NewMonitor(),
	}

	// One accumulator per persistable variant. Heartbeat signals take the
	// router's counter path and never buffer.
	var accList []*batch.Accumulator
	for _, kind := range telemetry.Kinds() {
		if !kind.Persistable() {
			continue
		}
		acc, err := batch.NewAccumulator(kind, cfg.Batch.MaxSize, cfg.Batch.MaxAge.Std(), deps)
		if err != nil {
			return nil, fmt.Errorf("build accumulator %s: %w", kind, err)
		}
		p.accumulators[kind] = acc
		accList = append(accList, acc)
	}

	r, err := router.New(accList, deps)
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}
	p.router = r

	backoff := backoffConfig(cfg)

	w, err := store.NewWriter(store.Config{
		URL:      cfg.Store.URL,
		PoolSize: cfg.Store.PoolSize,
		Backoff:  backoff,
	}, accList, deps)
	if err != nil {
		return nil, fmt.Errorf("build writer: %w", err)
	}
	p.writer = w

	hb, err := heartbeat.New(heartbeat.Config{
		URL:         cfg.NATS.URL,
		Subject:     cfg.Heartbeat.Subject,
		ServiceID:   cfg.Heartbeat.ServiceID,
		Interval:    cfg.Heartbeat.Interval.Std(),
		SendTimeout: cfg.Heartbeat.SendTimeout.Std(),
		Backoff:     backoff,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("build heartbeat: %w", err)
	}
	p.heartbeat = hb

	ing, err := ingress.New(ingress.Config{
		HTTPPort:            cfg.Server.HTTPPort,
		Path:                cfg.Server.Path,
		ReadBufferSize:      4096,
		WriteBufferSize:     1024,
		MaxFrameBytes:       cfg.Server.MaxFrameBytes,
		PingInterval:        cfg.Server.PingInterval.Std(),
		PongTimeout:         cfg.Server.PongTimeout.Std(),
		BackpressureTimeout: cfg.Server.BackpressureTimeout.Std(),
	}, r, deps)
	if err != nil {
		return nil, fmt.Errorf("build ingress: %w", err)
	}
	p.ingress = ing

	// Writer before heartbeat before ingress: downstream must be draining
	// before intake opens.
	for _, c := range []component.LifecycleComponent{w, hb, ing} {
		p.managed = append(p.managed, &component.Managed{
			Component:  c,
			State:      component.StateCreated,
			StartOrder: len(p.managed),
		})
	}

	return p, nil
}

func backoffConfig(cfg *config.Config) retry.Config {
	return retry.Config{
		MaxAttempts:  0, // supervised connections retry without bound
		InitialDelay: cfg.Backoff.InitialDelay.Std(),
		MaxDelay:     cfg.Backoff.MaxDelay.Std(),
		Multiplier:   cfg.Backoff.Multiplier,
		AddJitter:    true,
	}
}

// Router exposes the wired router, mainly for tests
func (p *Pipeline) Router() *router.Router {
	return p.router
}

// Monitor exposes aggregated component health
func (p *Pipeline) Monitor() *health.Monitor {
	return p.monitor
}

// Start initializes and starts every component in dependency order, then
// begins supervision
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Pipeline", "Start", "check started state")
	}

	pipelineCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, m := range p.managed {
		if err := p.startComponent(pipelineCtx, m); err != nil {
			cancel()
			p.stopStarted(10 * time.Second)
			return err
		}
	}

	if err := p.startObservability(); err != nil {
		cancel()
		p.stopStarted(10 * time.Second)
		return err
	}

	p.wg.Add(1)
	go p.watch(pipelineCtx)

	p.started.Store(true)
	p.logger.Info("pipeline started", "components", len(p.managed))
	return nil
}

// startComponent initializes and starts one managed component under its own
// child context
func (p *Pipeline) startComponent(ctx context.Context, m *component.Managed) error {
	name := m.Component.Meta().Name

	if m.State == component.StateCreated {
		if err := m.Component.Initialize(); err != nil {
			m.State = component.StateFailed
			m.LastError = err
			return fmt.Errorf("initialize %s: %w", name, err)
		}
		m.State = component.StateInitialized
	}

	childCtx, childCancel := context.WithCancel(ctx)
	m.Context = childCtx
	m.Cancel = childCancel

	if err := m.Component.Start(childCtx); err != nil {
		childCancel()
		m.State = component.StateFailed
		m.LastError = err
		return fmt.Errorf("start %s: %w", name, err)
	}

	m.State = component.StateStarted
	p.logger.Info("component started", "component", name)
	return nil
}

// watch polls component health and restarts tasks that died out from under
// a successful start. In-memory batches survive a restart: the accumulators
// are owned by the pipeline, not by any restarted component.
func (p *Pipeline) watch(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range p.managed {
				name := m.Component.Meta().Name
				p.monitor.Update(name, health.FromComponentHealth(name, m.Component.Health()))

				if m.State != component.StateStarted {
					continue
				}
				if r, ok := m.Component.(restartable); ok && r.Terminated() {
					p.restart(ctx, m)
				}
			}
		}
	}
}

// restart recovers one terminated component after a short delay
func (p *Pipeline) restart(ctx context.Context, m *component.Managed) {
	name := m.Component.Meta().Name
	p.logger.Error("component terminated unexpectedly, restarting",
		"component", name,
		"restarts", m.Restarts,
		"delay", restartDelay)

	m.Cancel()
	if err := m.Component.Stop(5 * time.Second); err != nil {
		p.logger.Warn("stop of terminated component failed", "component", name, "error", err)
	}
	m.State = component.StateStopped

	select {
	case <-ctx.Done():
		return
	case <-time.After(restartDelay):
	}

	m.Restarts++
	if err := p.startComponent(ctx, m); err != nil {
		// Next watch tick will not retry a failed state; log loudly.
		p.logger.Error("component restart failed", "component", name, "error", err)
		return
	}
	p.logger.Info("component restarted", "component", name, "restarts", m.Restarts)
}

// startObservability serves /metrics and /health when a metrics port is
// configured
func (p *Pipeline) startObservability() error {
	if p.cfg.Metrics.HTTPPort == 0 || p.deps.MetricsRegistry == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", p.deps.MetricsRegistry.Handler())
	mux.Handle("/health", p.monitor.Handler("edgesink"))

	p.obsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", p.cfg.Metrics.HTTPPort),
		Handler: mux,
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.obsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.logger.Error("observability server terminated", "error", err)
		}
	}()

	return nil
}

// Stop shuts the pipeline down in reverse order: intake first, then a final
// accumulator flush, then the writer drains what remains, heartbeat last.
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started.Load() {
		return nil
	}

	p.logger.Info("pipeline stopping")
	deadline := time.Now().Add(timeout)

	// Stop intake before anything downstream so no new envelopes arrive
	// mid-drain.
	var firstErr error
	if err := p.ingress.Stop(remaining(deadline)); err != nil {
		firstErr = err
		p.logger.Warn("ingress stop", "error", err)
	}
	p.markStopped(p.ingress)

	// Final flush: closing each accumulator seals whatever is buffered and
	// closes its output channel, which lets the writer's drain loops
	// finish and exit.
	for _, acc := range p.accumulators {
		acc.Close()
	}

	if err := p.writer.Stop(remaining(deadline)); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		p.logger.Warn("writer stop", "error", err)
	}
	p.markStopped(p.writer)

	if err := p.heartbeat.Stop(remaining(deadline)); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		p.logger.Warn("heartbeat stop", "error", err)
	}
	p.markStopped(p.heartbeat)

	p.cancel()

	if p.obsServer != nil {
		ctx, cancelObs := context.WithTimeout(context.Background(), remaining(deadline))
		_ = p.obsServer.Shutdown(ctx)
		cancelObs()
	}

	doneCh := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(remaining(deadline)):
		if firstErr == nil {
			firstErr = errors.WrapTransient(
				fmt.Errorf("supervision loop did not stop within %v", timeout),
				"Pipeline", "Stop", "wait for watcher")
		}
	}

	p.started.Store(false)
	p.logger.Info("pipeline stopped")
	return firstErr
}

// markStopped updates the managed entry for a component stopped directly
func (p *Pipeline) markStopped(c component.LifecycleComponent) {
	for _, m := range p.managed {
		if m.Component == c {
			if m.Cancel != nil {
				m.Cancel()
			}
			m.State = component.StateStopped
			return
		}
	}
}

// stopStarted rolls back partially started components after a Start failure
func (p *Pipeline) stopStarted(timeout time.Duration) {
	for i := len(p.managed) - 1; i >= 0; i-- {
		m := p.managed[i]
		if m.State != component.StateStarted {
			continue
		}
		if m.Cancel != nil {
			m.Cancel()
		}
		if err := m.Component.Stop(timeout); err != nil {
			p.logger.Warn("rollback stop failed",
				"component", m.Component.Meta().Name,
				"error", err)
		}
		m.State = component.StateStopped
	}
}

func remaining(deadline time.Time) time.Duration {
	d := time.Until(deadline)
	if d < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return d
}
