package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's promauto counters/gauges/histogram as struct
// fields (call sites use them directly, e.g. m.RollbacksTotal.Inc()),
// registered against a caller-supplied registerer so constructing many
// sessions in tests never triggers a duplicate-registration panic against
// the global default registerer.
type Metrics struct {
	RollbacksTotal        prometheus.Counter
	PredictionMissesTotal prometheus.Counter
	DesyncsTotal          prometheus.Counter
	DatagramsDroppedTotal *prometheus.CounterVec
	InputQueueDepth       *prometheus.GaugeVec
	RoundTripSeconds      prometheus.Histogram
}

// NewMetrics registers a fresh set of metrics against reg. Pass
// prometheus.NewRegistry() in tests; pass prometheus.DefaultRegisterer (or
// nil, which NewMetrics treats the same way) in a long-lived process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RollbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rollback_rollbacks_total",
			Help: "Total rollbacks performed by the sync layer.",
		}),
		PredictionMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rollback_prediction_misses_total",
			Help: "Total confirmed inputs that differed from a prior prediction.",
		}),
		DesyncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rollback_desyncs_total",
			Help: "Total desync events detected across all peers.",
		}),
		DatagramsDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rollback_datagrams_dropped_total",
			Help: "Total inbound datagrams dropped, by reason.",
		}, []string{"reason"}),
		InputQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollback_input_queue_depth",
			Help: "Current depth of each player's input queue.",
		}, []string{"player"}),
		RoundTripSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rollback_round_trip_seconds",
			Help:    "Measured peer round-trip time.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Noop returns a Metrics instance registered against a private, discarded
// registry, for tests and callers that don't want Prometheus wiring at all.
func Noop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
