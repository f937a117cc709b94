package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the fulfillment pipeline
var (
	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_reservations_total",
			Help: "Reservation attempts by outcome",
		},
		[]string{"outcome"},
	)

	FulfillmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_fulfillments_total",
			Help: "Fulfillment attempts by outcome",
		},
		[]string{"outcome"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	WebhookDeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Duration of outbound webhook requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebhookEndpointTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_endpoint_trips_total",
			Help: "Endpoints disabled by the failure threshold",
		},
	)

	WebhookQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "webhook_queue_depth",
			Help: "Deliveries waiting in per-endpoint queues",
		},
	)

	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

var registerOnce sync.Once

// Register registers all Prometheus metrics with the default registry.
// Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ReservationsTotal,
			FulfillmentsTotal,
			WebhookDeliveriesTotal,
			WebhookDeliveryDuration,
			WebhookEndpointTrips,
			WebhookQueueDepth,
			RateLimitRejections,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}
