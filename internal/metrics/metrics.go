package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credits_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	CreditsGrantedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_granted_total",
			Help: "Total credits granted",
		},
		[]string{"scene"},
	)

	CreditsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_consumed_total",
			Help: "Total credits consumed",
		},
		[]string{"scene"},
	)

	InsufficientCreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_insufficient_total",
			Help: "Consumptions rejected for insufficient balance",
		},
		[]string{"scene"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_webhook_events_total",
			Help: "Payment webhook events by outcome",
		},
		[]string{"provider", "event_type", "outcome"},
	)

	WebhookProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credits_webhook_processing_duration_seconds",
			Help:    "Payment event processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "event_type"},
	)

	CheckoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_checkouts_total",
			Help: "Checkout sessions by provider and result",
		},
		[]string{"provider", "status"},
	)

	IdempotencyHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_idempotency_hits_total",
			Help: "Idempotency guard lookups that found an already processed key",
		},
		[]string{"source"},
	)
)

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordCreditsGranted(scene string, amount int64) {
	CreditsGrantedTotal.WithLabelValues(scene).Add(float64(amount))
}

func RecordCreditsConsumed(scene string, amount int64) {
	CreditsConsumedTotal.WithLabelValues(scene).Add(float64(amount))
}

func RecordInsufficientCredits(scene string) {
	InsufficientCreditsTotal.WithLabelValues(scene).Inc()
}

// RecordWebhookEvent records one processed payment event.
func RecordWebhookEvent(provider, eventType, outcome string, duration float64) {
	WebhookEventsTotal.WithLabelValues(provider, eventType, outcome).Inc()
	WebhookProcessingDuration.WithLabelValues(provider, eventType).Observe(duration)
}

func RecordCheckout(provider, status string) {
	CheckoutsTotal.WithLabelValues(provider, status).Inc()
}

func RecordIdempotencyHit(source string) {
	IdempotencyHitsTotal.WithLabelValues(source).Inc()
}
