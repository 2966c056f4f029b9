package store

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/edgesink/metric"
)

// writerMetrics holds Prometheus metrics for the persistence writer
type writerMetrics struct {
	flushOutcomes    *prometheus.CounterVec
	rowsCommitted    *prometheus.CounterVec
	batchesDiscarded *prometheus.CounterVec
	flushDuration    prometheus.Histogram
	connState        prometheus.Gauge
}

func newWriterMetrics(registry *metric.Registry) *writerMetrics {
	if registry == nil {
		return nil
	}

	m := &writerMetrics{
		flushOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgesink",
			Subsystem: "writer",
			Name:      "flush_outcomes_total",
			Help:      "Flush outcomes by result (committed, failed)",
		}, []string{"outcome"}),
		rowsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgesink",
			Subsystem: "writer",
			Name:      "rows_committed_total",
			Help:      "Rows committed to the store by message kind",
		}, []string{"kind"}),
		batchesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgesink",
			Subsystem: "writer",
			Name:      "batches_discarded_total",
			Help:      "Batches discarded after a non-retriable store error",
		}, []string{"kind"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "edgesink",
			Subsystem: "writer",
			Name:      "flush_duration_seconds",
			Help:      "Wall time from flush start to commit",
			Buckets:   prometheus.DefBuckets,
		}),
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgesink",
			Subsystem: "writer",
			Name:      "connection_state",
			Help:      "Store connection state (0=disconnected 1=connecting 2=connected 3=draining)",
		}),
	}

	registry.MustRegister("writer", map[string]prometheus.Collector{
		"flush_outcomes":    m.flushOutcomes,
		"rows_committed":    m.rowsCommitted,
		"batches_discarded": m.batchesDiscarded,
		"flush_duration":    m.flushDuration,
		"connection_state":  m.connState,
	})

	return m
}
