package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/carpool/internal/apperrors"
)

var (
	MatchesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "matches_total", Help: "Requests accepted by a driver"})
	BookingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "carpool", Name: "bookings_total", Help: "Offer bookings by outcome"}, []string{"outcome"})
	SeatsBooked   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "seats_booked_total", Help: "Seats taken by committed bookings"})
	OffersTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "offers_published_total", Help: "Offers published by drivers"})
	RequestsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "requests_created_total", Help: "Ride requests created"})

	RideTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "carpool", Name: "ride_transitions_total", Help: "Committed ride status changes"}, []string{"to"})
	RatingsTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "ratings_total", Help: "Ratings submitted"})
	ConflictsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "carpool", Name: "conflicts_total", Help: "Operations that lost a concurrency race"}, []string{"op"})

	NotificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "notification_failures_total", Help: "Best-effort notifications that could not be stored"})
	IncidentFailuresTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "incident_failures_total", Help: "Best-effort incident records that could not be stored"})
	EventPublishFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "event_publish_failures_total", Help: "Ride events that could not be published"})
	WSConnections             = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "ws_connections", Help: "Open notification websocket sessions"})

	OpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{Namespace: "carpool", Name: "op_latency_seconds", Help: "Engine operation latency", Buckets: prometheus.DefBuckets}, []string{"op"})

	// consumer side
	EventsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "carpool", Name: "events_consumed_total", Help: "Ride events applied to the live projection"}, []string{"type"})
	RidesTracked        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "rides_tracked", Help: "Rides currently in the live projection"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// CountConflict records err against op when it is a lost race.
func CountConflict(op string, err error) {
	if err != nil && apperrors.KindOf(err) == apperrors.KindConflict {
		ConflictsTotal.WithLabelValues(op).Inc()
	}
}
