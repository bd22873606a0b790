package feedback

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus collectors for feedback intake.
type Metrics struct {
	SubmittedTotal *prometheus.CounterVec
	AnomaliesTotal *prometheus.CounterVec
	ScrubbedTotal  prometheus.Counter
}

// NewMetrics registers the feedback collectors once per process.
//
// Metrics:
//   - flowlearn_feedback_submitted_total{type} - records accepted
//   - flowlearn_feedback_anomalies_total{kind} - anomalies recorded during ingestion
//   - flowlearn_feedback_secrets_scrubbed_total - records whose text had secrets removed
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			SubmittedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "flowlearn",
					Subsystem: "feedback",
					Name:      "submitted_total",
					Help:      "Total number of feedback records accepted",
				},
				[]string{"type"},
			),
			AnomaliesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "flowlearn",
					Subsystem: "feedback",
					Name:      "anomalies_total",
					Help:      "Total number of ingestion anomalies recorded",
				},
				[]string{"kind"},
			),
			ScrubbedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "flowlearn",
					Subsystem: "feedback",
					Name:      "secrets_scrubbed_total",
					Help:      "Total number of feedback records with secrets removed before storage",
				},
			),
		}
	})
	return globalMetrics
}
