package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "driver_dispatch"

var (
	AssignmentsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Driver assignment attempts by mode and outcome"}, []string{"mode", "outcome"})
	AssignmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "assignment_latency_seconds", Help: "Auto-assign latency seconds"})
	ClaimConflicts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "claim_conflicts_total", Help: "Driver claims lost to a concurrent assignment"})
	CandidatesFound   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "candidates_found", Help: "Drivers in range per auto-assign", Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100}})

	PingsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "location_pings_total", Help: "Location pings by source and outcome"}, []string{"source", "outcome"})
	AlertsTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "geo_alerts_total", Help: "Geo alerts created by type"}, []string{"type"})
	AlertFailures  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "geo_alert_failures_total", Help: "Alert evaluations that failed and were skipped"})
	DriversOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Online drivers seen by the last dashboard query"})
	ConsumerErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "consumer_errors_total", Help: "Pings the consumer gave up on"})

	WSSessions        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Open WebSocket sessions"})
	EventsDelivered   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_delivered_total", Help: "Live events queued to sessions"}, []string{"event"})
	EventsDropped     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Live events dropped on full session buffers"})
	RelayMessages     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "relay_messages_total", Help: "Cross-instance relay traffic"}, []string{"direction"})
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Persisted notifications by live delivery"}, []string{"live"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
