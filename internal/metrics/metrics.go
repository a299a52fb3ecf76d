// Package metrics declares the bridge's Prometheus collectors. They register
// with the default registry and are served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook intake
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_webhooks_received_total",
			Help: "Webhook deliveries by final pipeline action",
		},
		[]string{"action"},
	)

	WebhookSignatureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_webhook_signature_failures_total",
		Help: "Webhook deliveries rejected for a missing or invalid signature",
	})

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_pipeline_duration_seconds",
			Help:    "Time from webhook receipt to response",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"action"},
	)

	// Idempotency and locking
	IdempotencyStoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_idempotency_store_errors_total",
		Help: "Idempotency lookups that failed closed",
	})

	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_lock_contention_total",
		Help: "Deliveries that found the payment lock already held",
	})

	// Execution
	VenueExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_venue_executions_total",
			Help: "Venue adapter calls by venue and outcome",
		},
		[]string{"venue", "outcome"},
	)

	CustodyTransfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_custody_transfers_total",
			Help: "Hub custody transfers by purpose and outcome",
		},
		[]string{"purpose", "outcome"},
	)

	FallbackTransfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_fallback_transfers_total",
			Help: "Direct-to-wallet fallbacks after a recoverable venue failure",
		},
		[]string{"venue", "outcome"},
	)

	DepositsRecomputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_deposits_recomputed_total",
		Help: "Payments whose stored deposit amount was implausible and recomputed",
	})

	UnrecordedExecutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_unrecorded_executions_total",
		Help: "Fund movements whose idempotency marker could not be written",
	})

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_rate_limited_total",
			Help: "Requests rejected by the per-IP rate limit",
		},
		[]string{"scope"},
	)

	EventClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_event_stream_clients",
		Help: "Connected live event stream clients",
	})

	EventClientsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_event_stream_evictions_total",
		Help: "Event stream clients disconnected for falling behind",
	})
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Outcome maps a success flag onto the outcome label.
func Outcome(ok bool) string {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeFailure
}
