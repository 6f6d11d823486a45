package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики движка. Регистрируются в default-реестре и отдаются через /metrics.
var (
	decisionsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_decisions_resolved_total",
		Help: "Resolved collective decisions by rule and resolution path.",
	}, []string{"rule", "path"}) // path: early | timeout | manual

	timersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_timers_expired_total",
		Help: "Node timers handled by the sweep.",
	})

	renderPushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_render_pushes_total",
		Help: "Render payloads pushed to display surfaces.",
	})

	arcSplitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_arc_splits_total",
		Help: "Party splits into concurrent arcs.",
	})

	arcMergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_arc_merges_total",
		Help: "Arc merges back into a single party timeline.",
	})
)
