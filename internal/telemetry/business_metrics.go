package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every Tally metric.
const DefaultNamespace = "tally"

// BusinessMetrics holds Prometheus metrics for billing-level observability.
type BusinessMetrics struct {
	// Webhooks
	WebhookReceived  *prometheus.CounterVec
	WebhookProcessed *prometheus.CounterVec
	WebhookFailed    *prometheus.CounterVec
	WebhookLatency   *prometheus.HistogramVec

	// One-time charges
	PaymentAttempts  *prometheus.CounterVec
	PaymentSucceeded *prometheus.CounterVec
	PaymentFailed    *prometheus.CounterVec
	RevenueCollected *prometheus.CounterVec

	// Subscriptions
	SubscriptionsCreated  *prometheus.CounterVec
	SubscriptionsCanceled *prometheus.CounterVec
	StatusTransitions     *prometheus.CounterVec

	// Side effects that never fail the request
	NotificationsSent   *prometheus.CounterVec
	NotificationsFailed *prometheus.CounterVec
	SideEffectsFailed   *prometheus.CounterVec

	// External API performance
	GatewayLatency *prometheus.HistogramVec
}

// NewBusinessMetrics registers the billing metrics with the default registry.
// It panics if called twice with the same namespace.
func NewBusinessMetrics(namespace string) *BusinessMetrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	subsystem := "business"

	m := &BusinessMetrics{
		// =======================================================================
		// Webhooks
		// =======================================================================
		WebhookReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_received_total",
				Help:      "Total webhook deliveries received",
			},
			[]string{"event_type"},
		),
		WebhookProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_processed_total",
				Help:      "Total webhook deliveries acknowledged",
			},
			[]string{"event_type", "outcome"}, // outcome: handled, duplicate, ignored, skipped
		),
		WebhookFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_failed_total",
				Help:      "Total webhook deliveries rejected or failed",
			},
			[]string{"event_type", "reason"}, // reason: invalid_signature, invalid_payload, internal
		),
		WebhookLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_processing_duration_seconds",
				Help:      "Webhook processing duration",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"event_type"},
		),

		// =======================================================================
		// One-time charges
		// =======================================================================
		PaymentAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_attempts_total",
				Help:      "Total one-time charge attempts that passed validation",
			},
			[]string{"product_type"},
		),
		PaymentSucceeded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payments_succeeded_total",
				Help:      "Total successful one-time charges",
			},
			[]string{"product_type"},
		),
		PaymentFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payments_failed_total",
				Help:      "Total failed one-time charges",
			},
			[]string{"reason"}, // reason: declined, gateway, internal
		),
		RevenueCollected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "revenue_collected_cents_total",
				Help:      "Total revenue collected through one-time charges and paid invoices, in cents",
			},
			[]string{"currency", "source"}, // source: charge, invoice
		),

		// =======================================================================
		// Subscriptions
		// =======================================================================
		SubscriptionsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_created_total",
				Help:      "Total subscriptions created",
			},
			[]string{"billing_cycle", "status"},
		),
		SubscriptionsCanceled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_canceled_total",
				Help:      "Total subscriptions moved to cancelled",
			},
			[]string{"source"}, // source: user, webhook
		),
		StatusTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscription_status_transitions_total",
				Help:      "Total subscription status changes",
			},
			[]string{"from", "to"},
		),

		// =======================================================================
		// Side effects
		// =======================================================================
		NotificationsSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "notifications_sent_total",
				Help:      "Total billing emails sent",
			},
			[]string{"kind"}, // kind: subscription_confirmation, payment_receipt, payment_failed
		),
		NotificationsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "notifications_failed_total",
				Help:      "Total billing emails that failed to send",
			},
			[]string{"kind"},
		),
		SideEffectsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "side_effects_failed_total",
				Help:      "Total mirror writes and event publishes that failed",
			},
			[]string{"kind"}, // kind: mirror, publish, superseded_cancel
		),

		// =======================================================================
		// External API performance
		// =======================================================================
		GatewayLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "stripe_api_duration_seconds",
				Help:      "Stripe API call duration (helps differentiate app slowness from Stripe issues)",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation", "result"},
		),
	}

	return m
}

// Business is the global instance used by services and handlers.
var Business = NewBusinessMetrics(DefaultNamespace)
