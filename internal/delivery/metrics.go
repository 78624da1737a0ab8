package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_delivery_outcomes_total",
		Help: "Delivery attempts by recorded transaction status",
	}, []string{"status"})

	deliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbound_delivery_duration_seconds",
		Help:    "Time spent in one mail transaction",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	connectionRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbound_delivery_connection_rotations_total",
		Help: "Connections retired after reaching the per-connection message limit",
	})
)
