package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translateq_jobs_submitted_total",
			Help: "Total number of translation jobs accepted into the queue",
		},
		[]string{"kind", "priority"},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translateq_jobs_finished_total",
			Help: "Total number of translation jobs that reached a terminal state",
		},
		[]string{"kind", "status"}, // completed, failed, cancelled
	)

	JobsPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "translateq_jobs_purged_total",
			Help: "Total number of terminal job records dropped by the retention sweeper",
		},
	)

	ThrottleEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "translateq_throttle_events_total",
			Help: "Total number of provider throttle signals observed",
		},
	)

	ParallelFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "translateq_parallel_fallbacks_total",
			Help: "Chunks that abandoned parallel execution after a throttle signal",
		},
	)

	TranslateCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translateq_translate_calls_total",
			Help: "Outbound translation calls by outcome",
		},
		[]string{"outcome"}, // ok, throttled, transient, fatal
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translateq_http_requests_total",
			Help: "HTTP API requests by route and status class",
		},
		[]string{"method", "route", "status"},
	)

	// Gauges
	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "translateq_queue_length",
			Help: "Current number of queued jobs",
		},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "translateq_jobs_in_flight",
			Help: "Current number of jobs being processed",
		},
	)

	BatchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "translateq_batch_size",
			Help: "Current adaptive batch size",
		},
	)

	BackoffMultiplier = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "translateq_backoff_multiplier",
			Help: "Current throttle backoff multiplier",
		},
	)

	// Histograms
	// Buckets: 50ms .. ~102s
	TranslateCallSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "translateq_translate_call_seconds",
			Help:    "Duration of single outbound translation calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	HTTPRequestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "translateq_http_request_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "translateq_job_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34m
		},
		[]string{"kind"},
	)
)
