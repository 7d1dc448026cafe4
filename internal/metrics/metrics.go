package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "patitas"

// Metrics holds the service's Prometheus collectors. Constructing against an
// explicit Registerer keeps tests free of global-registry collisions.
type Metrics struct {
	ReservationsCreated     prometheus.Counter
	ReservationsConsumed    prometheus.Counter
	ReservationsReleased    *prometheus.CounterVec
	ReservationsReactivated prometheus.Counter
	WebhookEvents           *prometheus.CounterVec
	SweeperSweeps           prometheus.Counter
	StaleTransitions        *prometheus.CounterVec
	OrdersFlaggedForReview  prometheus.Counter
	StuckWebhookEvents      prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReservationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reservations_created_total",
			Help: "Stock reservations created.",
		}),
		ReservationsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reservations_consumed_total",
			Help: "Reservations consumed on payment confirmation.",
		}),
		ReservationsReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reservations_released_total",
			Help: "Reservations released or cancelled, by recorded reason.",
		}, []string{"reason"}),
		ReservationsReactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reservations_reactivated_total",
			Help: "Expired reservations granted their one-time extension.",
		}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_events_total",
			Help: "Inbound webhook events, by provider and dedupe outcome.",
		}, []string{"provider", "outcome"}),
		SweeperSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweeper_sweeps_total",
			Help: "Completed expiration sweep passes.",
		}),
		StaleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_transitions_total",
			Help: "Status-guarded updates lost to a concurrent racer, by operation.",
		}, []string{"op"}),
		OrdersFlaggedForReview: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_flagged_for_review_total",
			Help: "Orders moved to manual review because payment posted after reservations lapsed.",
		}),
		StuckWebhookEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "webhook_events_stuck",
			Help: "Webhook events stuck in processing beyond the operational threshold.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests, by path and status code.",
		}, []string{"path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
	}

	reg.MustRegister(
		m.ReservationsCreated,
		m.ReservationsConsumed,
		m.ReservationsReleased,
		m.ReservationsReactivated,
		m.WebhookEvents,
		m.SweeperSweeps,
		m.StaleTransitions,
		m.OrdersFlaggedForReview,
		m.StuckWebhookEvents,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// NewNop returns metrics bound to a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
