package batch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/edgesink/metric"
)

// accumulatorMetrics holds Prometheus metrics for one accumulator
type accumulatorMetrics struct {
	offered   prometheus.Counter
	rejected  prometheus.Counter
	flushes   *prometheus.CounterVec
	batchSize prometheus.Histogram
	openLen   prometheus.Gauge
}

// newAccumulatorMetrics creates and registers accumulator metrics.
// Returns nil when no registry is configured (tests, tooling).
func newAccumulatorMetrics(registry *metric.Registry, kind string) *accumulatorMetrics {
	if registry == nil {
		return nil
	}

	m := &accumulatorMetrics{
		offered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "edgesink",
			Subsystem:   "accumulator",
			Name:        "envelopes_offered_total",
			Help:        "Total envelopes accepted into the open batch",
			ConstLabels: prometheus.Labels{"kind": kind},
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "edgesink",
			Subsystem:   "accumulator",
			Name:        "envelopes_rejected_total",
			Help:        "Total offers rejected while capacity was exhausted",
			ConstLabels: prometheus.Labels{"kind": kind},
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "edgesink",
			Subsystem:   "accumulator",
			Name:        "flushes_total",
			Help:        "Total batches sealed, by trigger reason",
			ConstLabels: prometheus.Labels{"kind": kind},
		}, []string{"reason"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "edgesink",
			Subsystem:   "accumulator",
			Name:        "batch_size",
			Help:        "Envelope count of sealed batches",
			ConstLabels: prometheus.Labels{"kind": kind},
			Buckets:     []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		openLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "edgesink",
			Subsystem:   "accumulator",
			Name:        "open_batch_len",
			Help:        "Envelope count of the currently open batch",
			ConstLabels: prometheus.Labels{"kind": kind},
		}),
	}

	name := "accumulator_" + kind
	registry.MustRegister(name, map[string]prometheus.Collector{
		"envelopes_offered":  m.offered,
		"envelopes_rejected": m.rejected,
		"flushes":            m.flushes,
		"batch_size":         m.batchSize,
		"open_batch_len":     m.openLen,
	})

	return m
}
