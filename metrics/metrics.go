package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversion_jobs_submitted_total",
			Help: "Conversion jobs accepted for execution.",
		},
		[]string{"engine"},
	)

	// JobsFinishedTotal counts terminal transitions; status is completed or failed.
	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversion_jobs_finished_total",
			Help: "Conversion jobs that reached a terminal state.",
		},
		[]string{"engine", "status"},
	)

	ConversionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conversion_duration_seconds",
			Help:    "Time spent converting a job, from pickup to terminal state.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"engine"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversion_queue_depth",
			Help: "Jobs waiting for a free worker.",
		},
	)

	RetentionJobsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "retention_jobs_removed_total",
			Help: "Jobs removed by the retention sweeper.",
		},
	)

	RetentionBytesFreed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "retention_bytes_freed_total",
			Help: "Bytes of stored files freed by the retention sweeper.",
		},
	)
)
