package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wbrown/janus-dataflow/datalog/annotations"
)

const namespace = "dataflow"

// Metrics are the server's Prometheus collectors. They are fed from
// engine events, see Handler.
type Metrics struct {
	FactsIngested   prometheus.Counter
	Epochs          prometheus.Counter
	LiveQueries     prometheus.Gauge
	QueryFailures   prometheus.Counter
	DiffsDelivered  *prometheus.CounterVec
	EpochLatency    prometheus.Histogram
	Connections     prometheus.Gauge
	RequestsHandled *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FactsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_ingested_total",
			Help:      "Facts accepted for ingest.",
		}),
		Epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epochs_closed_total",
			Help:      "Logical times closed by advance.",
		}),
		LiveQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_queries",
			Help:      "Registered queries.",
		}),
		QueryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_failures_total",
			Help:      "Queries failed during execution.",
		}),
		DiffsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diffs_delivered_total",
			Help:      "Non-empty diffs delivered, by query.",
		}, []string{"query"}),
		EpochLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "epoch_processing_seconds",
			Help:      "Time a worker spends processing one epoch.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		RequestsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Client requests handled, by op and outcome.",
		}, []string{"op", "outcome"}),
	}
	reg.MustRegister(
		m.FactsIngested,
		m.Epochs,
		m.LiveQueries,
		m.QueryFailures,
		m.DiffsDelivered,
		m.EpochLatency,
		m.Connections,
		m.RequestsHandled,
	)
	return m
}

// Handler updates the collectors from engine events
func (m *Metrics) Handler() annotations.Handler {
	return func(event annotations.Event) {
		switch event.Name {
		case annotations.IngestAccepted:
			if n, ok := event.Data["facts"].(int); ok {
				m.FactsIngested.Add(float64(n))
			}
		case annotations.EpochClosed:
			m.Epochs.Inc()
		case annotations.EpochProcessed:
			m.EpochLatency.Observe(event.Latency.Seconds())
		case annotations.QueryRegistered:
			m.LiveQueries.Inc()
		case annotations.QueryUnregistered:
			m.LiveQueries.Dec()
		case annotations.QueryFailed:
			m.QueryFailures.Inc()
		case annotations.DiffDelivered:
			if q, ok := event.Data["query"].(string); ok {
				m.DiffsDelivered.WithLabelValues(q).Inc()
			}
		}
	}
}
