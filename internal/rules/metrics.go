package rules

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_rules_match_cache_lookups_total",
			Help: "Pattern match cache lookups by result",
		},
		[]string{"result"},
	)

	ruleFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_rules_default_fallbacks_total",
			Help: "Rule accessor calls that fell back to the built-in default",
		},
		[]string{"rule", "reason"},
	)

	ruleListLoads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbound_rules_list_loads_total",
			Help: "Number of times the pattern and rule lists were loaded from the source",
		},
	)
)
