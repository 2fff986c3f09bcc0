// Package metrics provides Prometheus metrics for the sync engine and the
// backfill worker pool: records synced, batches merged, enrichment job
// outcomes, classifier latency, and queue depth.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsSynced tracks records flowing through the sync path.
	// Labels: source (adapter name), status (merged/skipped)
	RecordsSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftsync_records_synced_total",
			Help: "Total number of records processed by sync runs",
		},
		[]string{"source", "status"},
	)

	// BatchesMerged tracks per-batch merge outcomes.
	// Labels: source, status (success/failure)
	BatchesMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftsync_batches_merged_total",
			Help: "Total number of staged batches merged into target tables",
		},
		[]string{"source", "status"},
	)

	// SyncRuns tracks completed sync runs.
	// Labels: source, mode (incremental/full), status (succeeded/failed)
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftsync_runs_total",
			Help: "Total number of completed sync runs",
		},
		[]string{"source", "mode", "status"},
	)

	// EnrichmentJobs tracks terminal enrichment job outcomes.
	// Labels: status (done/failed)
	EnrichmentJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftsync_enrichment_jobs_total",
			Help: "Total number of enrichment jobs reaching a terminal state",
		},
		[]string{"status"},
	)

	// EnrichmentRetries counts backoff-and-retry cycles across all jobs
	EnrichmentRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driftsync_enrichment_retries_total",
			Help: "Total number of enrichment job retries after throttling",
		},
	)

	// ClassifierLatency tracks the distribution of classifier call latencies.
	ClassifierLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftsync_classifier_latency_seconds",
			Help:    "Latency of external classifier calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// MergeLatency tracks the distribution of warehouse merge durations.
	MergeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftsync_merge_latency_seconds",
			Help:    "Latency of warehouse merge statements in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// QueueDepth tracks the enrichment queue depth
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftsync_enrichment_queue_depth",
			Help: "Current number of enrichment jobs awaiting a worker",
		},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
}

// NewTimer creates a timer capturing the current time
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveInto stops the timer and records the elapsed seconds into h
func (t *Timer) ObserveInto(h prometheus.Histogram) time.Duration {
	elapsed := time.Since(t.start)
	h.Observe(elapsed.Seconds())
	return elapsed
}
