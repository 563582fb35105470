// Package metrics registers the Prometheus metrics exported by the cache
// gateway. All collectors are registered on the default registry at init
// time; the server mounts promhttp.Handler() at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache and request metrics.
var (
	// CacheLookups counts answer resolutions by result ("hit", "miss").
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicache_cache_lookups_total",
			Help: "Cache lookups performed by the answer resolver.",
		},
		[]string{"result"},
	)

	// CacheAppendErrors counts answers that were produced upstream but could
	// not be persisted.
	CacheAppendErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aicache_cache_append_errors_total",
			Help: "Failed appends to the cache store.",
		},
	)

	// InflightJoins counts resolutions that joined an upstream call already
	// in flight for the same fingerprint instead of issuing their own.
	InflightJoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aicache_inflight_joins_total",
			Help: "Requests collapsed into an in-flight upstream call.",
		},
	)

	// SkippedRecords counts malformed lines skipped while loading a flat
	// source ("cache", "models", "apikeys").
	SkippedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicache_store_skipped_records_total",
			Help: "Malformed records skipped while loading a backing source.",
		},
		[]string{"source"},
	)

	// Requests counts completed HTTP-level operations by endpoint and
	// outcome ("success", "rejected", "error").
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicache_requests_total",
			Help: "Gateway requests by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	// AuthRejections counts authorization failures by reason.
	AuthRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicache_auth_rejections_total",
			Help: "Requests rejected by the authorizer.",
		},
		[]string{"reason"},
	)

	// TokensPerSecond observes the word-throughput reported to clients,
	// split by cache result.
	TokensPerSecond = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aicache_tokens_per_second",
			Help:    "Reported tokens (words) per second.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"result"},
	)
)

// Upstream metrics.
var (
	// UpstreamRequests counts inference calls by backend and outcome
	// ("success", "error", "timeout", "unavailable").
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicache_upstream_requests_total",
			Help: "Inference calls issued to the upstream backend.",
		},
		[]string{"backend", "outcome"},
	)

	// UpstreamDuration observes inference call latency in seconds.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aicache_upstream_duration_seconds",
			Help:    "Inference call latency in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"backend"},
	)

	// UpstreamRetries counts retry attempts after a transient failure.
	UpstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicache_upstream_retries_total",
			Help: "Retries issued after transient upstream failures.",
		},
		[]string{"backend"},
	)

	// UpstreamGuardOpen is 1 while the upstream failure guard rejects calls.
	UpstreamGuardOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aicache_upstream_guard_open",
			Help: "1 while calls to the backend fail fast after repeated failures.",
		},
		[]string{"backend"},
	)
)
