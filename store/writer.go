package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360/edgesink/batch"
	"github.com/c360/edgesink/component"
	"github.com/c360/edgesink/errors"
	"github.com/c360/edgesink/pkg/retry"
	"github.com/c360/edgesink/resilient"
)

// Config holds store connection settings
type Config struct {
	// URL is the PostgreSQL connection string
	URL string `json:"url"`

	// PoolSize caps concurrent store connections
	PoolSize int `json:"pool_size"`

	// Backoff governs reconnect timing on store outages
	Backoff retry.Config `json:"-"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "store url is required")
	}
	if c.PoolSize < 1 || c.PoolSize > 100 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"pool_size must be between 1 and 100")
	}
	return nil
}

// Writer commits sealed batches to PostgreSQL, one transaction per batch.
// It is the single consumer of every accumulator's output channel; the
// one-in-flight-flush rule serializes writes per variant so no store-side
// locking beyond normal transaction isolation is needed.
type Writer struct {
	config       Config
	accumulators []*batch.Accumulator
	supervisor   *resilient.Supervisor[*pgxpool.Pool]
	logger       *slog.Logger
	metrics      *writerMetrics

	// execBatch runs the bulk insert; replaced in unit tests
	execBatch func(ctx context.Context, pool *pgxpool.Pool, b *batch.Batch) error

	// Lifecycle management
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lifecycleMu sync.Mutex
	started     atomic.Bool
	startTime   time.Time

	// Statistics
	batchesCommitted atomic.Int64
	batchesDiscarded atomic.Int64
	rowsCommitted    atomic.Int64
	errorCount       atomic.Int64
	lastError        atomic.Value // stores string
}

// NewWriter creates a persistence writer draining the given accumulators
func NewWriter(config Config, accumulators []*batch.Accumulator, deps component.Dependencies) (*Writer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := deps.GetLoggerWithComponent("writer")
	metrics := newWriterMetrics(deps.MetricsRegistry)

	w := &Writer{
		config:       config,
		accumulators: accumulators,
		logger:       logger,
		metrics:      metrics,
		execBatch:    execBatchPgx,
	}

	stateCb := func(st resilient.State) {
		if metrics != nil {
			metrics.connState.Set(float64(st))
		}
	}

	// Connecting bootstraps the schema too, so a writer that reaches
	// Connected state can always insert. Outages during startup retry the
	// same way outages during operation do.
	w.supervisor = resilient.New("store", config.Backoff,
		w.connect,
		func(pool *pgxpool.Pool) { pool.Close() },
		resilient.WithLogger[*pgxpool.Pool](logger),
		resilient.WithStateCallback[*pgxpool.Pool](stateCb),
	)

	return w, nil
}

// connect dials the pool, verifies liveness and ensures the schema exists
func (w *Writer) connect(ctx context.Context) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(w.config.URL)
	if err != nil {
		return nil, errors.WrapFatal(err, "Writer", "connect", "parse store url")
	}
	poolCfg.MaxConns = int32(w.config.PoolSize)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Writer", "connect", "create pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(err, "Writer", "connect", "ping store")
	}

	// Bootstrap rides out brief blips without tearing the fresh pool down;
	// a persistent failure falls back to the supervisor's backoff.
	if err := w.ensureSchema(ctx, pool); err != nil {
		pool.Close()
		if errors.IsFatal(err) {
			return nil, err
		}
		return nil, errors.WrapTransient(err, "Writer", "connect", "ensure schema")
	}

	return pool, nil
}

// ensureSchema creates the variant tables if they are missing. Errors that
// can never succeed on retry (schema/permission problems) abort immediately.
func (w *Writer) ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	bootstrap := retry.Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	return retry.Do(ctx, bootstrap, func() error {
		for _, stmt := range createStatements {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				classified := classifyStoreError(err, "ensure schema")
				if errors.IsFatal(classified) {
					return retry.NonRetryable(classified)
				}
				return classified
			}
		}
		return nil
	})
}

// Write commits one batch as a single transaction. Retriable failures loop
// through the supervisor's backoff without bound: the batch is retained
// (never duplicated, never dropped) until the store recovers. A fatal
// failure returns retriable=false and the caller discards the batch.
// Returns a ctx error outcome only on cancellation (shutdown).
func (w *Writer) Write(ctx context.Context, b *batch.Batch) FlushOutcome {
	start := time.Now()

	err := w.supervisor.Execute(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		return w.execBatch(ctx, pool, b)
	})
	if err != nil {
		w.errorCount.Add(1)
		w.lastError.Store(err.Error())
		retriable := !errors.IsFatal(err)
		if w.metrics != nil {
			w.metrics.flushOutcomes.WithLabelValues("failed").Inc()
		}
		return failed(err, retriable)
	}

	w.batchesCommitted.Add(1)
	w.rowsCommitted.Add(int64(b.Len()))
	if w.metrics != nil {
		w.metrics.flushOutcomes.WithLabelValues("committed").Inc()
		w.metrics.rowsCommitted.WithLabelValues(string(b.Kind)).Add(float64(b.Len()))
		w.metrics.flushDuration.Observe(time.Since(start).Seconds())
	}
	return committed(b.Len())
}

// execBatchPgx is the production insert path: multi-row INSERTs inside one
// transaction, all rows commit or none do.
func execBatchPgx(ctx context.Context, pool *pgxpool.Pool, b *batch.Batch) error {
	stmts, err := buildInserts(b)
	if err != nil {
		return errors.WrapFatal(err, "Writer", "execBatch", "build insert")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return classifyStoreError(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt.sql, stmt.args...); err != nil {
			return classifyStoreError(err, "execute bulk insert")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyStoreError(err, "commit transaction")
	}
	return nil
}

// classifyStoreError maps driver errors onto the pipeline taxonomy.
// SQLSTATE classes 22 (data), 23 (integrity constraint) and 42 (syntax /
// access) can never succeed on retry; everything else is assumed to be a
// connectivity or resource condition that backoff can outlast.
func classifyStoreError(err error, action string) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		class := ""
		if len(pgErr.Code) >= 2 {
			class = pgErr.Code[:2]
		}
		switch class {
		case "22", "23", "42":
			return errors.WrapFatal(
				fmt.Errorf("%w: %s (SQLSTATE %s)", errors.ErrConstraintViolation, pgErr.Message, pgErr.Code),
				"Writer", "Write", action)
		}
		return errors.WrapTransient(
			fmt.Errorf("%w: %s (SQLSTATE %s)", errors.ErrStoreUnavailable, pgErr.Message, pgErr.Code),
			"Writer", "Write", action)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) || stderrors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "closed pool") {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err),
			"Writer", "Write", action)
	}

	// Unknown driver errors default to transient so data is retried, not
	// dropped.
	return errors.WrapTransient(err, "Writer", "Write", action)
}

// Initialize prepares the writer (connection is established lazily on the
// first write or by Start's supervisor warm-up)
func (w *Writer) Initialize() error {
	return nil
}

// Start launches one drain loop per accumulator
func (w *Writer) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Writer", "Start", "check started state")
	}

	writerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for _, acc := range w.accumulators {
		w.wg.Add(1)
		go w.drain(writerCtx, acc)
	}

	w.startTime = time.Now()
	w.started.Store(true)
	w.logger.Info("writer started", "accumulators", len(w.accumulators))
	return nil
}

// drain consumes sealed batches from one accumulator until its output
// channel closes, acknowledging each batch after its outcome resolves.
func (w *Writer) drain(ctx context.Context, acc *batch.Accumulator) {
	defer w.wg.Done()

	for b := range acc.Output() {
		outcome := w.Write(ctx, b)

		switch {
		case outcome.Committed():
			w.logger.Debug("batch committed",
				"batch_id", b.ID,
				"kind", b.Kind,
				"count", outcome.Count,
				"trigger", b.Trigger)
		case !outcome.Retriable:
			// The batch can never commit: discard it and record the
			// incident. Retrying forever would wedge the variant.
			w.batchesDiscarded.Add(1)
			if w.metrics != nil {
				w.metrics.batchesDiscarded.WithLabelValues(string(b.Kind)).Inc()
			}
			w.logger.Error("batch discarded after fatal store error",
				"batch_id", b.ID,
				"kind", b.Kind,
				"count", b.Len(),
				"error", outcome.Err)
		default:
			// Only reachable on shutdown cancellation: Write retries
			// retriable failures internally without bound.
			w.logger.Warn("batch abandoned at shutdown",
				"batch_id", b.ID,
				"kind", b.Kind,
				"count", b.Len(),
				"error", outcome.Err)
		}

		acc.Ack()
	}
}

// Stop drains outstanding writes and closes the store connection. The
// accumulators must be closed first so the drain loops can exit.
func (w *Writer) Stop(timeout time.Duration) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.started.Load() {
		return nil
	}

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	var waitErr error
	select {
	case <-doneCh:
	case <-time.After(timeout):
		waitErr = errors.WrapTransient(
			fmt.Errorf("drain timeout after %v", timeout),
			"Writer", "Stop", "wait for drain loops")
	}

	w.cancel()
	w.supervisor.Drain()
	w.started.Store(false)
	return waitErr
}

// Meta returns component metadata
func (w *Writer) Meta() component.Metadata {
	return component.Metadata{
		Name:        "writer",
		Type:        "output",
		Description: "Bulk persistence writer committing batches to PostgreSQL",
		Version:     "1.0.0",
	}
}

// Health returns current health status
func (w *Writer) Health() component.HealthStatus {
	started := w.started.Load()
	healthy := started && w.supervisor.State() == resilient.StateConnected

	lastErr := ""
	if v := w.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	uptime := time.Duration(0)
	if started && !w.startTime.IsZero() {
		uptime = time.Since(w.startTime)
	}

	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(w.errorCount.Load()),
		LastError:  lastErr,
		Uptime:     uptime,
	}
}
