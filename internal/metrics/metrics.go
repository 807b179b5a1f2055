// internal/metrics/metrics.go
package metrics

import (
	"batch-ingest/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP requests by route, method and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// IngestionsTotal counts accepted submissions per priority.
	IngestionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestions_total",
			Help: "Total number of accepted ingestion requests.",
		},
		[]string{"priority"},
	)

	// AdmissionRejectedTotal counts submissions refused before any state change.
	AdmissionRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_rejected_total",
			Help: "Total number of rejected ingestion requests.",
		},
		[]string{"reason"}, // invalid_ids, invalid_priority, rate_limited
	)

	// BatchesProcessedTotal counts batches that reached the done state.
	BatchesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batches_processed_total",
			Help: "Total number of batches run to completion.",
		},
		[]string{"priority"},
	)

	// UnitsProcessedTotal counts work item outcomes (success/failed).
	UnitsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "units_processed_total",
			Help: "Total number of work items processed.",
		},
		[]string{"status"},
	)

	// BatchDuration observes the time from running to done.
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_duration_seconds",
			Help:    "Time spent processing one batch.",
			Buckets: prometheus.LinearBuckets(0.5, 0.5, 10),
		},
	)

	// PendingBatches is the number of queued batches per priority.
	PendingBatches = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pending_batches",
			Help: "Number of batches waiting for dispatch.",
		},
		[]string{"priority"},
	)

	// DispatcherDraining is 1 while the drain loop is active, 0 otherwise.
	DispatcherDraining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_draining",
			Help: "Whether the drain loop is currently active.",
		},
	)
)

// SetPending publishes queued batch counts per priority.
func SetPending(counts map[domain.Priority]int) {
	for p, n := range counts {
		PendingBatches.WithLabelValues(string(p)).Set(float64(n))
	}
}
