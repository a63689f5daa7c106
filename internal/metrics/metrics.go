package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Batch processing metrics
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuehunter_ingest_batches_total",
			Help: "Total number of log batches processed, by outcome",
		},
		[]string{"outcome"},
	)

	LinesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "issuehunter_ingest_lines_total",
			Help: "Total number of log lines received",
		},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "issuehunter_ingest_batch_duration_seconds",
			Help:    "Duration of batch processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Extraction metrics
	ExtractedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuehunter_extract_errors_total",
			Help: "Total number of errors extracted from log lines, by matcher",
		},
		[]string{"matcher"},
	)

	LinePanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "issuehunter_extract_line_panics_total",
			Help: "Total number of recovered panics while processing a line",
		},
	)

	// Sourcemap metrics
	SourcemapFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuehunter_sourcemap_fetches_total",
			Help: "Total number of sourcemap artifact fetches, by result",
		},
		[]string{"result"},
	)

	// Rate limiting metrics
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "issuehunter_rate_limited_batches_total",
			Help: "Total number of tenant targets rejected by the hourly budget",
		},
	)

	// Storage metrics
	PersistRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "issuehunter_store_persist_retries_total",
			Help: "Total number of retried batch transactions",
		},
	)

	PrunedMarkers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "issuehunter_store_pruned_batch_markers_total",
			Help: "Total number of processed batch markers deleted by retention",
		},
	)

	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuehunter_events_published_total",
			Help: "Total number of published events, by subject and status",
		},
		[]string{"subject", "status"},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "issuehunter_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds, by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
