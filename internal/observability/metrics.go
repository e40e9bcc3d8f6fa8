package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_relay", Name: "connected_clients", Help: "Currently attached websocket clients"})
	EventsRouted     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_relay", Name: "events_routed_total", Help: "Inbound events routed, by event name"},
		[]string{"event"},
	)
	ClaimsWon      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_relay", Name: "claims_won_total", Help: "Accept claims that bound a driver"})
	ClaimsLost     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_relay", Name: "claims_lost_total", Help: "Accept claims rejected because the ride was already taken"})
	LocationsSeen  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_relay", Name: "location_updates_total", Help: "Location updates applied to the presence store"})
	DroppedClients = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_relay", Name: "dropped_clients_total", Help: "Clients disconnected because their send buffer filled"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_relay", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_relay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
