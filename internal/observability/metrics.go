package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PushFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxigrid", Name: "push_frames_total", Help: "Push frames received by kind"},
		[]string{"kind"},
	)
	PushMalformedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxigrid", Name: "push_malformed_total", Help: "Push frames dropped because they could not be decoded"})
	PushConnected      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "taxigrid", Name: "push_connected", Help: "Open push connections"})

	PollTicksTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxigrid", Name: "poll_ticks_total", Help: "Ride history poll ticks"})
	PollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxigrid", Name: "poll_errors_total", Help: "Ride history polls that failed"})

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxigrid", Name: "heartbeats_total", Help: "Presence reports by result"},
		[]string{"result"},
	)

	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxigrid", Name: "ride_snapshots_total", Help: "Ride snapshots reconciled by source and outcome"},
		[]string{"source", "outcome"},
	)

	ProposalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxigrid", Name: "proposals_total", Help: "Order proposal handshake outcomes"},
		[]string{"outcome"},
	)

	// reference backend
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "taxigrid", Name: "drivers_online", Help: "Number of online drivers"})
	RidesCreated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxigrid", Name: "rides_created_total", Help: "Rides created"})
	ProposalsSent = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxigrid", Name: "proposals_sent_total", Help: "Order proposals pushed to drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxigrid", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taxigrid",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
