package ingress

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/edgesink/metric"
)

// adapterMetrics holds Prometheus metrics for the ingress adapter
type adapterMetrics struct {
	framesReceived     prometheus.Counter
	framesDropped      *prometheus.CounterVec
	connectionsActive  prometheus.Gauge
	connectionsTotal   prometheus.Counter
	backpressureCloses prometheus.Counter
}

func newAdapterMetrics(registry *metric.Registry) *adapterMetrics {
	if registry == nil {
		return nil
	}

	m := &adapterMetrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgesink",
			Subsystem: "ingress",
			Name:      "frames_received_total",
			Help:      "Total frames read from device streams",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgesink",
			Subsystem: "ingress",
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped by reason (malformed, unroutable)",
		}, []string{"reason"}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgesink",
			Subsystem: "ingress",
			Name:      "connections_active",
			Help:      "Number of active device connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgesink",
			Subsystem: "ingress",
			Name:      "connections_total",
			Help:      "Total device connections accepted",
		}),
		backpressureCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgesink",
			Subsystem: "ingress",
			Name:      "backpressure_closes_total",
			Help:      "Connections closed after the backpressure timeout expired",
		}),
	}

	registry.MustRegister("ingress", map[string]prometheus.Collector{
		"frames_received":     m.framesReceived,
		"frames_dropped":      m.framesDropped,
		"connections_active":  m.connectionsActive,
		"connections_total":   m.connectionsTotal,
		"backpressure_closes": m.backpressureCloses,
	})

	return m
}
