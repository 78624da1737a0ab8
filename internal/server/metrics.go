package server

import (
	"strconv"

	"github.com/busybox42/outbound/internal/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	engineUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbound_engine_up",
			Help: "Whether the delivery engine is running (1) or not (0)",
		},
	)

	ruleReloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbound_engine_rule_reloads_total",
			Help: "Periodic invalidations of the cached rule lists",
		},
	)

	poolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbound_pool_connections",
			Help: "Pooled connections per identity and state",
		},
		[]string{"identity", "state"},
	)

	poolDestinations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbound_pool_destinations",
			Help: "Destinations holding at least one connection",
		},
	)
)

// recordPoolStats publishes a pool snapshot. Per-host series are folded into
// their identity to keep cardinality bounded.
func recordPoolStats(st pool.Stats) {
	type counts struct{ idle, inUse, dialing int }
	byIdentity := make(map[int]*counts)
	for _, d := range st.Destinations {
		c, ok := byIdentity[d.IdentityID]
		if !ok {
			c = &counts{}
			byIdentity[d.IdentityID] = c
		}
		c.idle += d.Idle
		c.inUse += d.InUse
		c.dialing += d.Dialing
	}

	poolConnections.Reset()
	for id, c := range byIdentity {
		label := strconv.Itoa(id)
		poolConnections.WithLabelValues(label, "idle").Set(float64(c.idle))
		poolConnections.WithLabelValues(label, "in_use").Set(float64(c.inUse))
		poolConnections.WithLabelValues(label, "dialing").Set(float64(c.dialing))
	}
	poolDestinations.Set(float64(len(st.Destinations)))
}
