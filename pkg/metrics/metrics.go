package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheReads records cache lookups by table and result (hit|miss|stale).
	CacheReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_cache_reads_total",
			Help: "Total number of cache table reads",
		},
		[]string{"table", "result"},
	)

	// CacheEvictions counts entries removed to satisfy a table's max entry count.
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_cache_evictions_total",
			Help: "Total number of cache entries evicted by overflow",
		},
		[]string{"table"},
	)

	// StrategyExecutions counts request resolutions by strategy and outcome
	// (network|cache|fallback|error).
	StrategyExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_strategy_executions_total",
			Help: "Total number of strategy executions",
		},
		[]string{"strategy", "outcome"},
	)

	// QueueDepth tracks the number of pending offline actions.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftline_queue_depth",
			Help: "Number of pending items in the offline sync queue",
		},
	)

	// DrainResults counts per-item drain outcomes (completed|retried|failed).
	DrainResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_drain_results_total",
			Help: "Total number of drained queue item outcomes",
		},
		[]string{"result"},
	)
)
