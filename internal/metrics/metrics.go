// Package metrics holds the Prometheus collectors shared by the auth core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		},
	)

	// CacheOperations counts cache calls by operation and status
	// (hit, miss, ok, unavailable).
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_operations_total",
			Help: "Ephemeral cache operations by outcome",
		},
		[]string{"op", "status"},
	)

	CacheBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_circuit_breaker_state",
			Help: "Cache circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Rate limit decisions by policy and result (allowed, rejected, fail_open)",
		},
		[]string{"policy", "result"},
	)

	GuardOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_outcomes_total",
			Help: "Request guard outcomes",
		},
		[]string{"outcome"},
	)

	SessionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_events_total",
			Help: "Session lifecycle events (created, refreshed, revoked, rejected)",
		},
		[]string{"event"},
	)

	TokenFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_verification_failures_total",
			Help: "Token verification failures by kind",
		},
		[]string{"kind"},
	)
)
