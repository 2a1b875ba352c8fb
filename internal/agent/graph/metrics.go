package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	nodeExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finrag_node_executions_total",
		Help: "Node executions by node name and status.",
	}, []string{"node", "status"})

	nodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finrag_node_duration_seconds",
		Help:    "Wall-clock duration of node executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"node"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finrag_runs_total",
		Help: "Completed runs by terminal outcome.",
	}, []string{"outcome"})

	retryDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "finrag_run_retry_depth",
		Help:    "Retry loop depth reached by completed runs.",
		Buckets: []float64{0, 1, 2, 3, 4, 5},
	})
)
