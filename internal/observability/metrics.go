package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabletalk_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	askRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_ask_requests_total",
			Help: "Total number of ask requests.",
		},
	)
	askTerminalStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_ask_terminal_status_total",
			Help: "Ask traces by terminal status.",
		},
		[]string{"status"},
	)
	askAttemptsPerTrace = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabletalk_ask_attempts_per_trace",
			Help:    "Number of attempts consumed per ask trace.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)
	modelCompletionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabletalk_model_completion_seconds",
			Help:    "Language model completion latency in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)
	queryExecutionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabletalk_query_execution_seconds",
			Help:    "SQL execution latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
	schemaCaptureSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabletalk_schema_capture_seconds",
			Help:    "Schema introspection latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
	schemaCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_schema_cache_total",
			Help: "Schema cache lookups by outcome.",
		},
		[]string{"outcome"},
	)
	unsafeRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_unsafe_rejections_total",
			Help: "Total number of statements rejected by the read-only gate.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		askRequestsTotal,
		askTerminalStatusTotal,
		askAttemptsPerTrace,
		modelCompletionSeconds,
		queryExecutionSeconds,
		schemaCaptureSeconds,
		schemaCacheHitsTotal,
		unsafeRejectionsTotal,
	)
}

func ObserveAsk(status string, attempts int) {
	askRequestsTotal.Inc()
	askTerminalStatusTotal.WithLabelValues(status).Inc()
	if attempts > 0 {
		askAttemptsPerTrace.Observe(float64(attempts))
	}
}

func ObserveModelCompletion(elapsed time.Duration) {
	modelCompletionSeconds.Observe(elapsed.Seconds())
}

func ObserveQueryExecution(elapsed time.Duration) {
	queryExecutionSeconds.Observe(elapsed.Seconds())
}

func ObserveSchemaCapture(elapsed time.Duration) {
	schemaCaptureSeconds.Observe(elapsed.Seconds())
}

func ObserveSchemaCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	schemaCacheHitsTotal.WithLabelValues(outcome).Inc()
}

func IncrementUnsafeRejection() {
	unsafeRejectionsTotal.Inc()
}
