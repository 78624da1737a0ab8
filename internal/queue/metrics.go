package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbound_queue_enqueued_total",
		Help: "Messages added to the queue",
	})

	messagesPicked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_queue_picked_total",
		Help: "Messages locked by a pickup",
	}, []string{"kind"})

	pickupErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_queue_pickup_errors_total",
		Help: "Failed pickups by cause",
	}, []string{"kind", "cause"})

	messagesReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbound_queue_released_total",
		Help: "Locks released without rescheduling",
	})

	messagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbound_queue_deleted_total",
		Help: "Messages removed from the queue",
	})

	messagesDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbound_queue_deferred_total",
		Help: "Messages rescheduled by the retry schedule",
	})

	messagesThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbound_queue_throttled_total",
		Help: "Messages rescheduled by the hourly throttle",
	})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbound_queue_breaker_state",
		Help: "Store circuit breaker state (0 closed, 1 half-open, 2 open)",
	})

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbound_queue_batch_duration_seconds",
		Help:    "Time to process one picked-up batch",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
)
