// Package router dispatches decoded telemetry envelopes to the accumulator
// responsible for their variant. Routing is an O(1) lookup on the kind tag;
// a full accumulator propagates backpressure to the caller by blocking the
// forward call, preserving end-to-end backpressure from the store to the
// device.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/edgesink/batch"
	"github.com/c360/edgesink/component"
	"github.com/c360/edgesink/errors"
	"github.com/c360/edgesink/telemetry"
)

// retryDelay paces Offer retries while an accumulator is in its transient
// post-trigger backpressure state.
const retryDelay = 5 * time.Millisecond

// Router forwards envelopes to per-variant accumulators
type Router struct {
	targets map[telemetry.Kind]*batch.Accumulator
	logger  *slog.Logger
	metrics *routerMetrics
}

// New creates a router over the given accumulators, keyed by their kind
func New(accumulators []*batch.Accumulator, deps component.Dependencies) (*Router, error) {
	targets := make(map[telemetry.Kind]*batch.Accumulator, len(accumulators))
	for _, acc := range accumulators {
		if _, dup := targets[acc.Kind()]; dup {
			return nil, errors.WrapInvalid(
				fmt.Errorf("duplicate accumulator for kind %s", acc.Kind()),
				"Router", "New", "validate accumulators")
		}
		targets[acc.Kind()] = acc
	}

	return &Router{
		targets: targets,
		logger:  deps.GetLoggerWithComponent("router"),
		metrics: newRouterMetrics(deps.MetricsRegistry),
	}, nil
}

// Route forwards one envelope to its variant's accumulator. It blocks while
// the accumulator is in its transient backpressure state, retrying until
// the offer is accepted or ctx is cancelled; data is never dropped. The
// ingress adapter bounds the total wait with its backpressure timeout.
func (r *Router) Route(ctx context.Context, env telemetry.Envelope) error {
	// Device heartbeats are liveness signals, counted and released. They
	// never reach an accumulator or the store.
	if !env.Kind.Persistable() {
		if r.metrics != nil {
			r.metrics.heartbeats.Inc()
		}
		r.logger.Debug("device heartbeat observed",
			"device_id", env.DeviceID,
			"sequence", env.Sequence)
		return nil
	}

	target, ok := r.targets[env.Kind]
	if !ok {
		// Decode validates kinds, so this indicates a wiring gap.
		if r.metrics != nil {
			r.metrics.unroutable.Inc()
		}
		r.logger.Error("no accumulator for kind, envelope dropped",
			"kind", env.Kind,
			"device_id", env.DeviceID)
		return errors.WrapInvalid(
			fmt.Errorf("no accumulator for kind %s", env.Kind),
			"Router", "Route", "lookup target")
	}

	for {
		err := target.Offer(env)
		if err == nil {
			if r.metrics != nil {
				r.metrics.routed.WithLabelValues(string(env.Kind)).Inc()
			}
			return nil
		}
		if !errors.IsTransient(err) {
			return err
		}

		if r.metrics != nil {
			r.metrics.backpressure.WithLabelValues(string(env.Kind)).Inc()
		}

		timer := time.NewTimer(retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "Router", "Route", "wait for capacity")
		case <-timer.C:
		}
	}
}

// Meta returns component metadata
func (r *Router) Meta() component.Metadata {
	return component.Metadata{
		Name:        "router",
		Type:        "router",
		Description: "Variant-tag dispatch from ingress to batch accumulators",
		Version:     "1.0.0",
	}
}
