// Package metrics declares relay's Prometheus collectors. All collectors
// register on the default registry and are served by promhttp in cmd/api.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts pipeline outcomes by terminal status
	// ("completed", "rejected", "failed").
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Pipeline requests by terminal status.",
	}, []string{"status"})

	// RequestDuration observes end-to-end pipeline latency.
	RequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_request_duration_seconds",
		Help:    "End-to-end request pipeline latency.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// RateLimitRejections counts admissions refused per window
	// ("concurrent", "minute", "day", "month").
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rate_limit_rejections_total",
		Help: "Admissions refused by the rate limiter, by window.",
	}, []string{"window"})

	// UpstreamAttempts counts provider dispatch attempts by provider and
	// outcome ("success", "failed").
	UpstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upstream_attempts_total",
		Help: "Provider dispatch attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	// BalanceDeducted accumulates settled cost in currency units.
	BalanceDeducted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_balance_deducted_total",
		Help: "Total settled cost deducted from credential balances.",
	})

	// FallbackSubstitutions counts lower-tier model substitutions.
	FallbackSubstitutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_fallback_substitutions_total",
		Help: "Requests re-dispatched on a lower-tier model.",
	})
)
