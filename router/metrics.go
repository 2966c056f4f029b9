package router

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/edgesink/metric"
)

// routerMetrics holds Prometheus metrics for the router
type routerMetrics struct {
	routed       *prometheus.CounterVec
	backpressure *prometheus.CounterVec
	unroutable   prometheus.Counter
	heartbeats   prometheus.Counter
}

func newRouterMetrics(registry *metric.Registry) *routerMetrics {
	if registry == nil {
		return nil
	}

	m := &routerMetrics{
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgesink",
			Subsystem: "router",
			Name:      "envelopes_routed_total",
			Help:      "Total envelopes forwarded to an accumulator",
		}, []string{"kind"}),
		backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgesink",
			Subsystem: "router",
			Name:      "backpressure_waits_total",
			Help:      "Total offer retries while an accumulator was saturated",
		}, []string{"kind"}),
		unroutable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgesink",
			Subsystem: "router",
			Name:      "unroutable_total",
			Help:      "Total envelopes with no registered accumulator",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgesink",
			Subsystem: "router",
			Name:      "device_heartbeats_total",
			Help:      "Total device heartbeat signals observed",
		}),
	}

	registry.MustRegister("router", map[string]prometheus.Collector{
		"envelopes_routed":   m.routed,
		"backpressure_waits": m.backpressure,
		"unroutable":         m.unroutable,
		"device_heartbeats":  m.heartbeats,
	})

	return m
}
