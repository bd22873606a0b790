package ingest

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus collectors for feedback ingestion.
type Metrics struct {
	IngestTotal      *prometheus.CounterVec
	IngestDuration   prometheus.Histogram
	CandidatesTotal  prometheus.Counter
	SweepRunsTotal   *prometheus.CounterVec
	StaleClaimsTotal prometheus.Counter
	IntakeTotal      *prometheus.CounterVec
}

// NewMetrics registers the ingestion collectors once per process.
//
// Metrics:
//   - flowlearn_ingest_total{outcome} - ingest calls by outcome: processed, replayed, claimed, failed
//   - flowlearn_ingest_duration_seconds - time spent ingesting one record
//   - flowlearn_ingest_candidates_total - candidate patterns synthesized
//   - flowlearn_ingest_sweep_runs_total{status} - sweeper runs
//   - flowlearn_ingest_stale_claims_total - claims released by the sweeper
//   - flowlearn_ingest_intake_messages_total{status} - feedback messages received over NATS
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			IngestTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "flowlearn",
					Subsystem: "ingest",
					Name:      "total",
					Help:      "Total number of ingest calls by outcome",
				},
				[]string{"outcome"},
			),
			IngestDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "flowlearn",
					Subsystem: "ingest",
					Name:      "duration_seconds",
					Help:      "Time spent ingesting one feedback record",
					Buckets:   prometheus.DefBuckets,
				},
			),
			CandidatesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "flowlearn",
					Subsystem: "ingest",
					Name:      "candidates_total",
					Help:      "Total number of candidate patterns synthesized from feedback",
				},
			),
			SweepRunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "flowlearn",
					Subsystem: "ingest",
					Name:      "sweep_runs_total",
					Help:      "Total number of sweeper runs",
				},
				[]string{"status"},
			),
			StaleClaimsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "flowlearn",
					Subsystem: "ingest",
					Name:      "stale_claims_total",
					Help:      "Total number of stale claims released",
				},
			),
			IntakeTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "flowlearn",
					Subsystem: "ingest",
					Name:      "intake_messages_total",
					Help:      "Total number of feedback messages received over NATS",
				},
				[]string{"status"},
			),
		}
	})
	return globalMetrics
}
