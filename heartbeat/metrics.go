package heartbeat

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/edgesink/metric"
)

// actorMetrics holds Prometheus metrics for the heartbeat actor
type actorMetrics struct {
	beatsSent    prometheus.Counter
	beatsSkipped prometheus.Counter
	connState    prometheus.Gauge
}

func newActorMetrics(registry *metric.Registry) *actorMetrics {
	if registry == nil {
		return nil
	}

	m := &actorMetrics{
		beatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgesink",
			Subsystem: "heartbeat",
			Name:      "beats_sent_total",
			Help:      "Total heartbeats published",
		}),
		beatsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgesink",
			Subsystem: "heartbeat",
			Name:      "beats_skipped_total",
			Help:      "Total heartbeats skipped because the send timed out",
		}),
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgesink",
			Subsystem: "heartbeat",
			Name:      "connection_state",
			Help:      "Broker connection state (0=disconnected 1=connecting 2=connected 3=draining)",
		}),
	}

	registry.MustRegister("heartbeat", map[string]prometheus.Collector{
		"beats_sent":       m.beatsSent,
		"beats_skipped":    m.beatsSkipped,
		"connection_state": m.connState,
	})

	return m
}
