package ranking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ranker_runs_total",
		Help: "Ranking runs by terminal state",
	}, []string{"state"})

	recordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ranker_records_total",
		Help: "Scored task records emitted to callers",
	})

	fallbackRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ranker_fallback_records_total",
		Help: "Synthesized fallback records emitted after retry exhaustion",
	})

	remoteAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ranker_remote_attempts_total",
		Help: "Remote inference attempts by outcome",
	}, []string{"outcome"})

	gateWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ranker_gate_wait_seconds",
		Help:    "Time spent waiting on the concurrency gate",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	droppedLinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ranker_dropped_lines_total",
		Help: "Model output lines discarded as undecodable",
	})
)
