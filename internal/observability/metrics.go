package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DriversOnline     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "cab_dispatch", Name: "drivers_online", Help: "Number of drivers that are active or busy"})
	DispatchesActive  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "cab_dispatch", Name: "dispatches_broadcasting", Help: "Dispatches currently waiting for an accept"})
	MatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "cab_dispatch", Name: "match_latency_seconds", Help: "Time from broadcast to first valid accept", Buckets: []float64{.1, .5, 1, 2, 5, 10, 20, 30, 60}})
	CandidatesPerRide = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "cab_dispatch", Name: "candidates_per_dispatch", Help: "Frozen candidate count per dispatch", Buckets: []float64{0, 1, 2, 3, 5, 8, 13}})

	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "dispatches_total", Help: "Dispatches by terminal state"},
		[]string{"state"},
	)
	AcceptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "accepts_total", Help: "Accept messages by result"},
		[]string{"result"},
	)
	DeclinesTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "declines_total", Help: "Decline messages received"})
	SendFailuresTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "send_failures_total", Help: "Outbound messages that could not be delivered"})
	EvictionsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "driver_evictions_total", Help: "Drivers moved offline"}, []string{"reason"})
	LocationUpdates     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "location_updates_total", Help: "Driver location updates accepted"})
	MirrorErrorsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "mirror_errors_total", Help: "Failures publishing state to redis/kafka"}, []string{"sink"})
	RepositoryErrors    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "repository_errors_total", Help: "Ride repository calls that failed"})
	RouteEstimateErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "route_estimate_errors_total", Help: "Route estimator failures"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cab_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

var (
	WSSessionsOpen    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "cab_dispatch", Name: "ws_sessions_open", Help: "Websocket sessions currently upgraded"})
	WSSessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cab_dispatch",
		Name:      "ws_session_duration_seconds",
		Help:      "Lifetime of upgraded websocket sessions",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 9),
	})
)
