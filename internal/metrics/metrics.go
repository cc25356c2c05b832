package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job execution metrics
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "correlate_job_runs_total",
			Help: "Total number of job executions",
		},
		[]string{"job", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "correlate_job_duration_seconds",
			Help:    "Duration of job executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	// Aggregation metrics
	WindowsAggregated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "correlate_windows_aggregated_total",
			Help: "Total number of feature windows aggregated",
		},
	)

	FeaturesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "correlate_features_written_total",
			Help: "Total number of feature rows upserted",
		},
		[]string{"metric"},
	)

	// Detection metrics
	SignalsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "correlate_signals_emitted_total",
			Help: "Total number of new signals inserted",
		},
		[]string{"signal"},
	)

	SignalsDeduped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "correlate_signals_deduped_total",
			Help: "Total number of signal inserts absorbed by the dedupe key",
		},
	)

	BaselineSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "correlate_baseline_skips_total",
			Help: "Total number of threshold evaluations skipped for cold baselines",
		},
	)

	// Correlation metrics
	IncidentsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "correlate_incidents_created_total",
			Help: "Total number of incidents created",
		},
	)

	IncidentsUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "correlate_incidents_updated_total",
			Help: "Total number of incidents that received new evidence",
		},
	)

	SignalsCorrelated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "correlate_signals_correlated_total",
			Help: "Total number of signals assigned to incidents",
		},
	)

	// Checkpoint metrics
	CheckpointAdvances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "correlate_checkpoint_advances_total",
			Help: "Total number of checkpoint advances",
		},
		[]string{"job"},
	)

	CheckpointSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "correlate_checkpoint_skips_total",
			Help: "Total number of windows skipped because another runner advanced first",
		},
		[]string{"job"},
	)
)
