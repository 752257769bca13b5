package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersSent = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_sent_total", Help: "Ride offers emitted to drivers"})

	AssignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assignments_total", Help: "Successful ride assignments"})
	AcceptFailures   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_failures_total", Help: "Failed accept attempts by reason"},
		[]string{"reason"},
	)

	TimeoutsFired       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "timeouts_fired_total", Help: "Rides auto-rejected by the timeout worker"})
	ReconcilerEvictions = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "reconciler_evictions_total", Help: "Stale drivers evicted from the geo index"})
	DriversOnline       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Drivers currently dispatchable"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
