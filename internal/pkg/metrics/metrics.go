// Package metrics provides Prometheus metrics for FlakeGuard (RED + intake + analysis).
// Scrapeable at /metrics; runbooks and dashboards can rely on these names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flakeguard"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		},
		[]string{"method", "path"},
	)

	// WebhooksReceivedTotal counts accepted deliveries by event kind.
	WebhooksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Total number of webhook deliveries accepted for processing.",
		},
		[]string{"event"},
	)

	// WebhooksDedupedTotal counts redeliveries short-circuited by delivery id.
	WebhooksDedupedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_deduped_total",
			Help:      "Total number of webhook deliveries skipped as already processed.",
		},
	)

	// WebhooksIgnoredTotal counts deliveries accepted with 200 but not processed
	// (unsupported event kind or malformed payload). Alert on the malformed label.
	WebhooksIgnoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_ignored_total",
			Help:      "Total number of webhook deliveries acknowledged but not processed.",
		},
		[]string{"reason"},
	)

	// ProcessingFailuresTotal counts deliveries that exhausted their retries.
	ProcessingFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_failures_total",
			Help:      "Total number of webhook deliveries whose processing ultimately failed.",
		},
		[]string{"event"},
	)

	// AnalysesTotal counts analyzer invocations.
	AnalysesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Total number of per-test flake analyses performed.",
		},
	)

	// FlakesDetectedTotal counts analyses that classified a test as flaky.
	FlakesDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flakes_detected_total",
			Help:      "Total number of analyses that classified a test as flaky.",
		},
	)

	// RerunAttemptsTotal counts workflow rerun invocations by mode.
	RerunAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerun_attempts_total",
			Help:      "Total number of workflow rerun invocations by mode.",
		},
		[]string{"mode"},
	)

	// RerunEscalationsTotal counts reruns refused past the ceiling and escalated to issues.
	RerunEscalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerun_escalations_total",
			Help:      "Total number of rerun requests escalated to persistent-failure issues.",
		},
	)

	// TokenCacheHitsTotal counts installation-token cache hits.
	TokenCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_hits_total",
			Help:      "Total number of installation token cache hits.",
		},
	)

	// TokenCacheMissesTotal counts installation-token cache misses (mints).
	TokenCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_misses_total",
			Help:      "Total number of installation token cache misses.",
		},
	)

	// UpstreamRetriesTotal counts retried upstream API calls by reason.
	UpstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Total number of retried upstream API calls by reason.",
		},
		[]string{"reason"},
	)
)
