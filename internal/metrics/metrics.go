package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasta_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasta_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wasta_messages_sent_total",
			Help: "Total chat messages persisted",
		},
	)

	RoomsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wasta_rooms_started_total",
			Help: "Total conversations started between a client and a freelancer",
		},
	)

	// Realtime metrics
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasta_realtime_events_delivered_total",
			Help: "Realtime events handed to subscribers",
		},
		[]string{"scope"}, // "room" or "user"
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasta_realtime_events_dropped_total",
			Help: "Realtime events dropped because a subscriber was slow",
		},
		[]string{"scope"},
	)

	ActiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wasta_realtime_subscriptions",
			Help: "Open realtime subscriptions",
		},
		[]string{"scope"},
	)
)
