package service

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Outcome labels for xbutler_ingest_total.
const (
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// Metrics holds Prometheus metrics for the ingestion pipeline.
type Metrics struct {
	IngestTotal    *prometheus.CounterVec
	KeywordsTotal  *prometheus.CounterVec
	IngestDuration prometheus.Histogram
	RollbacksTotal *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
}

// NewMetrics returns the process-wide pipeline metrics, registering them on first use.
//
// Metrics:
//   - xbutler_ingest_total{outcome} - ingestions by created, duplicate, failed, rejected
//   - xbutler_keywords_total{resolution} - extracted keywords by matched, created, reused
//   - xbutler_ingest_duration_seconds - wall time of one ingestion
//   - xbutler_ingest_rollbacks_total{result} - compensation steps by ok, failed
//   - xbutler_ingest_queue_depth - jobs waiting for a worker
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			IngestTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "xbutler_ingest_total",
					Help: "Total number of ingestions by outcome",
				},
				[]string{"outcome"},
			),
			KeywordsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "xbutler_keywords_total",
					Help: "Total number of extracted keywords by resolution",
				},
				[]string{"resolution"},
			),
			IngestDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "xbutler_ingest_duration_seconds",
					Help:    "Duration of one ingestion in seconds",
					Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
				},
			),
			RollbacksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "xbutler_ingest_rollbacks_total",
					Help: "Total number of compensation steps by result",
				},
				[]string{"result"},
			),
			QueueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "xbutler_ingest_queue_depth",
					Help: "Number of ingest jobs waiting for a worker",
				},
			),
		}
	})
	return globalMetrics
}
