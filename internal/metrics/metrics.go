package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations (validation or dependency issues).
	OutcomeError = "error"
)

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apptrail",
			Name:      "queries_total",
			Help:      "Total number of analysis queries handled, partitioned by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	queryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apptrail",
			Name:      "query_seconds",
			Help:      "Analysis query latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 10},
		},
		[]string{"operation"},
	)

	ingestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apptrail",
			Name:      "ingested_events_total",
			Help:      "Total number of ingested occurrences, partitioned by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

// Register attaches apptrail collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		queriesTotal,
		queryDurationSeconds,
		ingestedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveQuery records a query duration and outcome label for an operation.
func ObserveQuery(operation string, duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	queriesTotal.WithLabelValues(operation, label).Inc()
	if duration < 0 {
		duration = 0
	}
	queryDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveIngest counts one ingested occurrence of the given kind.
func ObserveIngest(kind, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	ingestedTotal.WithLabelValues(kind, label).Inc()
}
