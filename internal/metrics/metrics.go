// Package metrics exposes Prometheus counters for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts finished job executions by variant and outcome
	// (succeeded, failed, dead, deferred).
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftsync_jobs_processed_total",
		Help: "Job executions by variant and outcome.",
	}, []string{"variant", "outcome"})

	// JobsEnqueued counts job inserts by variant, with merged=true when an
	// existing unique-per-thread job absorbed the insert.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftsync_jobs_enqueued_total",
		Help: "Jobs enqueued by variant.",
	}, []string{"variant", "merged"})

	// ConfigPushes counts config push attempts by namespace and result.
	ConfigPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftsync_config_pushes_total",
		Help: "Config namespace pushes by result.",
	}, []string{"namespace", "result"})

	// ConfigMerges counts incoming config diffs merged by namespace.
	ConfigMerges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftsync_config_merges_total",
		Help: "Incoming config messages merged by namespace.",
	}, []string{"namespace"})

	// InteractionsExpired counts messages removed by the disappearing sweep.
	InteractionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftsync_interactions_expired_total",
		Help: "Interactions deleted after their expiry deadline.",
	})
)
