// Package metrics registers the Prometheus metrics exposed by the gateway
// and maintains the rolling per-provider aggregation window that feeds the
// metric-driven selectors.
//
// Import this package (via blank import is enough) from the server entry
// point to register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts completed requests labelled by provider, model,
	// and outcome ("success", "error", "rejected").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexus_requests_total",
			Help: "Total number of requests processed by the gateway.",
		},
		[]string{"provider", "model", "status"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plexus_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	// TimeToFirstToken observes provider time-to-first-token in seconds for
	// streaming requests.
	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plexus_time_to_first_token_seconds",
			Help:    "Provider time to first token in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	// TokensInput counts total input tokens sent to providers.
	TokensInput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexus_tokens_input_total",
			Help: "Total input tokens sent to providers.",
		},
		[]string{"provider", "model"},
	)

	// TokensOutput counts total output tokens received from providers.
	TokensOutput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexus_tokens_output_total",
			Help: "Total output tokens received from providers.",
		},
		[]string{"provider", "model"},
	)

	// RequestCostUSD accumulates computed request cost per provider/model.
	RequestCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexus_request_cost_usd_total",
			Help: "Total computed request cost in USD.",
		},
		[]string{"provider", "model"},
	)

	// UpstreamErrors counts upstream failures by provider and error class
	// ("retryable", "non_retryable", "network", "timeout").
	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexus_upstream_errors_total",
			Help: "Total upstream errors by class.",
		},
		[]string{"provider", "error_type"},
	)

	// CooldownActive tracks whether a (provider, model) target is currently
	// on cooldown (1) or not (0).
	CooldownActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plexus_cooldown_active",
			Help: "Whether a target is currently on cooldown (0/1).",
		},
		[]string{"provider", "model"},
	)

	// FailoverAttempts observes how many candidates a request consumed.
	FailoverAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plexus_failover_attempts",
			Help:    "Number of upstream attempts per request.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
		[]string{"alias"},
	)

	// EventsDropped counts events dropped by slow bus subscribers.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexus_events_dropped_total",
			Help: "Total events dropped due to subscriber backpressure.",
		},
		[]string{"subscriber"},
	)
)
