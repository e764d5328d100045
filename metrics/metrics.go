package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignalsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_signals_ingested_total",
			Help: "Total number of detection signals ingested",
		},
		[]string{"category", "status"},
	)

	IngestFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_ingest_failures_total",
			Help: "Total number of signals that failed to roll up",
		},
		[]string{"reason"},
	)

	SessionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_sessions_opened_total",
			Help: "Total number of device sessions opened",
		},
	)

	SessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_sessions_closed_total",
			Help: "Total number of device sessions closed",
		},
		[]string{"reason"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "argus_query_duration_seconds",
			Help:    "Time taken to answer history queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_cache_hits_total",
			Help: "Memoization tier lookups by outcome (hit, miss, stale)",
		},
		[]string{"outcome"},
	)

	BackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_backend_errors_total",
			Help: "Storage backend failures by operation",
		},
		[]string{"op"},
	)

	MalformedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_malformed_records_total",
			Help: "Stored records skipped because they failed to parse",
		},
		[]string{"kind"},
	)

	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_tasks_processed_total",
			Help: "Background tasks completed successfully",
		},
		[]string{"task"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_task_retries_total",
			Help: "Background task retry attempts",
		},
		[]string{"task"},
	)

	TaskFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_task_failures_total",
			Help: "Background tasks that exhausted their retries",
		},
		[]string{"task"},
	)

	TasksDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_tasks_dropped_total",
			Help: "Background tasks rejected because the queue was full",
		},
	)

	TaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_task_queue_depth",
			Help: "Current number of queued background tasks",
		},
	)
)
