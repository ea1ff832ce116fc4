// Package metrics registers the Prometheus instruments shared across
// the payment core. Exposed on /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_transitions_total",
		Help: "Successful state transitions by from/to state and actor.",
	}, []string{"from", "to", "actor"})

	DedupHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paygate_dedup_hits_total",
		Help: "Submissions short-circuited with a cached duplicate result.",
	})

	GovernanceBlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_governance_blocked_total",
		Help: "Operations blocked by a governance gate.",
	}, []string{"gate"})

	OptimisticLockConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paygate_optimistic_lock_conflicts_total",
		Help: "Apply attempts that lost the version compare-and-swap.",
	})

	ReconcileRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_reconcile_repairs_total",
		Help: "Corrective ledger appends by divergence class.",
	}, []string{"class"})

	GatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_gateway_calls_total",
		Help: "Outbound gateway calls by operation and outcome.",
	}, []string{"operation", "outcome"})
)
