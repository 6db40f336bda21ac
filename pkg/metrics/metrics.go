// Package metrics holds the relayer's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchAttempts counts submission attempts by chain and outcome (sent, retry, fatal, exhausted)
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_dispatch_attempts_total",
			Help: "Relayer transaction submission attempts by outcome",
		},
		[]string{"chain", "label", "outcome"},
	)

	SimulateFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_simulate_failures_total",
			Help: "Dry-run reverts by action label",
		},
		[]string{"chain", "label"},
	)

	AuthDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_session_denials_total",
			Help: "Session authorization denials by reason",
		},
		[]string{"reason"},
	)

	// WebhookResults counts processed transfer hints by result code
	WebhookResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_webhook_results_total",
			Help: "Deposit webhook results by status",
		},
		[]string{"status"},
	)

	DepositStages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_deposit_transitions_total",
			Help: "Deposit pipeline stage transitions",
		},
		[]string{"chain", "stage"},
	)

	ChainOriginFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayer_chain_origin_fallbacks_total",
			Help: "Webhook payloads attributed to the configured fallback chain",
		},
	)

	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayer_dispatch_seconds",
			Help:    "Time from relayer selection to accepted submission",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayer_http_request_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
