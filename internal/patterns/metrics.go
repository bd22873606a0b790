package patterns

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus collectors for the pattern store.
type Metrics struct {
	OutcomesTotal     *prometheus.CounterVec
	CreatedTotal      *prometheus.CounterVec
	DegradationsTotal *prometheus.CounterVec
	CandidatesFound   prometheus.Histogram
}

// NewMetrics registers the pattern store collectors once per process.
//
// Metrics:
//   - flowlearn_patterns_outcomes_total{result} - recorded outcomes, "correct" or "incorrect"
//   - flowlearn_patterns_created_total{source} - patterns created by source
//   - flowlearn_patterns_strategy_degradations_total{strategy,reason} - strategies skipped during matching
//   - flowlearn_patterns_candidates_found - candidates returned per lookup
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			OutcomesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "flowlearn",
					Subsystem: "patterns",
					Name:      "outcomes_total",
					Help:      "Total number of pattern outcomes recorded",
				},
				[]string{"result"},
			),
			CreatedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "flowlearn",
					Subsystem: "patterns",
					Name:      "created_total",
					Help:      "Total number of patterns created",
				},
				[]string{"source"},
			),
			DegradationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "flowlearn",
					Subsystem: "patterns",
					Name:      "strategy_degradations_total",
					Help:      "Total number of match strategies skipped because they could not run",
				},
				[]string{"strategy", "reason"},
			),
			CandidatesFound: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "flowlearn",
					Subsystem: "patterns",
					Name:      "candidates_found",
					Help:      "Number of candidates returned per lookup",
					Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
				},
			),
		}
	})
	return globalMetrics
}
