// Package resilient provides a generic reconnect-with-backoff supervisor
// wrapping the connect/operate/disconnect lifecycle of one logical endpoint.
// It is the sole authority on reconnect timing for the connection it owns;
// both the persistence writer (store) and the heartbeat actor (NATS) run
// their operations through one.
package resilient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/edgesink/errors"
	"github.com/c360/edgesink/pkg/retry"
)

// State represents the connection lifecycle state
type State int

// Connection states
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Supervisor wraps one logical connection of type C with automatic
// reconnect-with-backoff. State machine:
//
//	Disconnected → Connecting → Connected → (on connectivity error) Disconnected
//
// A failed dial sets a reconnect deadline min(base * 2^attempt, max) with
// jitter ahead of the failure; the next dial happens once that deadline
// passes, regardless of how many callers asked in between. The attempt
// counter resets to zero on every successful connection.
type Supervisor[C any] struct {
	name    string
	connect func(ctx context.Context) (C, error)
	close   func(C)
	backoff retry.Config
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	conn    C
	hasConn bool
	attempt int

	// nextAttempt anchors the backoff delay to the moment the last dial
	// failed. Callers arriving after it has passed dial immediately; the
	// delay is never re-paid per caller.
	nextAttempt time.Time

	// onStateChange is invoked (outside the lock) after every transition,
	// letting owners export a state gauge.
	onStateChange func(State)
}

// Option configures a Supervisor
type Option[C any] func(*Supervisor[C])

// WithLogger sets the structured logger
func WithLogger[C any](logger *slog.Logger) Option[C] {
	return func(s *Supervisor[C]) {
		s.logger = logger
	}
}

// WithStateCallback registers a callback invoked on every state transition
func WithStateCallback[C any](fn func(State)) Option[C] {
	return func(s *Supervisor[C]) {
		s.onStateChange = fn
	}
}

// New creates a supervisor for one logical endpoint. connect dials the
// endpoint; closeFn releases a connection that failed or is being drained.
func New[C any](
	name string,
	backoff retry.Config,
	connect func(ctx context.Context) (C, error),
	closeFn func(C),
	opts ...Option[C],
) *Supervisor[C] {
	s := &Supervisor[C]{
		name:    name,
		connect: connect,
		close:   closeFn,
		backoff: backoff,
		state:   StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("endpoint", name)
	return s
}

// State returns the current connection state
func (s *Supervisor[C]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the current reconnect attempt counter
func (s *Supervisor[C]) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *Supervisor[C]) setState(st State) {
	s.state = st
	if s.onStateChange != nil {
		cb := s.onStateChange
		go cb(st)
	}
}

// Execute runs op against a connected endpoint. If not connected it awaits
// the next successful connection first, backing off between attempts. An
// operation failure classified as connectivity-related (errors.IsTransient)
// transitions the supervisor to Disconnected and the operation is retried
// on a fresh connection; any other failure is returned to the caller
// directly with no state transition.
//
// Execute blocks until the operation runs to a non-connectivity result or
// ctx is cancelled. Callers that must bound the wait pass a deadline.
func (s *Supervisor[C]) Execute(ctx context.Context, op func(ctx context.Context, conn C) error) error {
	for {
		conn, err := s.acquire(ctx)
		if err != nil {
			return err
		}

		err = op(ctx, conn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !errors.IsTransient(err) {
			return err
		}

		s.logger.Warn("operation failed on connection, reconnecting",
			"error", err)
		s.Invalidate()
	}
}

// acquire returns the current connection, dialing with backoff if needed.
// Concurrent callers serialize on the supervisor mutex so only one dial is
// in flight.
func (s *Supervisor[C]) acquire(ctx context.Context) (C, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero C

	for {
		switch s.state {
		case StateDraining:
			return zero, errors.WrapFatal(errors.ErrShuttingDown, "Supervisor", "acquire", s.name)
		case StateConnected:
			return s.conn, nil
		case StateConnecting:
			// Another caller holds the dial; wait for it to resolve rather
			// than racing a second connection.
			if err := s.sleepUnlocked(ctx, 10*time.Millisecond); err != nil {
				return zero, fmt.Errorf("supervisor %s: %w", s.name, err)
			}
			continue
		default:
		}

		if ctx.Err() != nil {
			return zero, fmt.Errorf("supervisor %s: %w", s.name, ctx.Err())
		}

		// Backoff applies only to re-attempts, never to the first dial.
		// A wait ends at the deadline set when the dial failed, however
		// many bounded calls came and went in between.
		if s.attempt > 0 {
			if wait := time.Until(s.nextAttempt); wait > 0 {
				s.logger.Info("waiting before reconnect attempt",
					"attempt", s.attempt,
					"delay", wait)
				if err := s.sleepUnlocked(ctx, wait); err != nil {
					return zero, fmt.Errorf("supervisor %s: %w", s.name, err)
				}
				// State and deadline may have moved while the mutex was
				// released; re-evaluate from the top.
				continue
			}
		}

		s.setState(StateConnecting)
		conn, err := s.dialUnlocked(ctx)
		if s.state == StateDraining {
			// Drain raced the dial; a connection that won anyway is closed.
			if err == nil {
				s.close(conn)
			}
			return zero, errors.WrapFatal(errors.ErrShuttingDown, "Supervisor", "acquire", s.name)
		}
		if err != nil {
			s.setState(StateDisconnected)
			s.attempt++
			s.nextAttempt = time.Now().Add(s.backoff.Backoff(s.attempt - 1))
			s.logger.Warn("connect failed",
				"attempt", s.attempt,
				"error", err)
			continue
		}

		s.conn = conn
		s.hasConn = true
		s.attempt = 0
		s.setState(StateConnected)
		s.logger.Info("connected")
	}
}

// sleepUnlocked releases the mutex for the duration of the backoff delay so
// Drain can mark the supervisor while it waits, then re-acquires it.
func (s *Supervisor[C]) sleepUnlocked(ctx context.Context, d time.Duration) error {
	s.mu.Unlock()
	defer s.mu.Lock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	return nil
}

// dialUnlocked runs connect without holding the mutex; the Connecting state
// keeps other callers looping until the dial resolves.
func (s *Supervisor[C]) dialUnlocked(ctx context.Context) (C, error) {
	s.mu.Unlock()
	defer s.mu.Lock()
	return s.connect(ctx)
}

// Invalidate discards the current connection and transitions to
// Disconnected. Called by Execute on connectivity failures and available to
// owners whose transport reports the loss out-of-band.
func (s *Supervisor[C]) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDraining {
		return
	}
	if s.hasConn {
		s.close(s.conn)
		var zero C
		s.conn = zero
		s.hasConn = false
	}
	if s.state != StateDisconnected {
		s.setState(StateDisconnected)
		// Next acquire waits: the endpoint just proved unhealthy.
		if s.attempt == 0 {
			s.attempt = 1
			s.nextAttempt = time.Now().Add(s.backoff.Backoff(0))
		}
	}
}

// Drain closes the connection and refuses further Execute calls. Safe to
// call more than once.
func (s *Supervisor[C]) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDraining {
		return
	}
	if s.hasConn {
		s.close(s.conn)
		var zero C
		s.conn = zero
		s.hasConn = false
	}
	s.setState(StateDraining)
	s.logger.Info("supervisor drained")
}
