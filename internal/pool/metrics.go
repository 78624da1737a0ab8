package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbound_pool_connections_created_total",
			Help: "Outbound connections established",
		},
	)

	connectionsReused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbound_pool_connections_reused_total",
			Help: "Idle outbound connections handed out again",
		},
	)

	connectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_pool_connections_closed_total",
			Help: "Outbound connections closed by the pool",
		},
		[]string{"reason"},
	)

	connectFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbound_pool_connect_failures_total",
			Help: "Failed connection attempts",
		},
	)

	acquireOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_pool_acquire_total",
			Help: "Acquire calls by outcome",
		},
		[]string{"outcome"},
	)

	attemptsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbound_pool_connect_attempts_in_flight",
			Help: "Connection attempts currently in progress",
		},
	)
)
