// Package metrics registers the prometheus collectors this tool emits,
// following the naming/registration convention of the operator's own
// controllers/metrics.go.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RuleRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault2kube_rule_runs_total",
		Help: "Total number of per-rule runs, by outcome.",
	}, []string{"outcome"})

	RuleDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "vault2kube_rule_duration_seconds",
		Help: "Duration of a single rule run, in seconds.",
	}, []string{"outcome"})

	RotationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault2kube_rotations_total",
		Help: "Total number of lease rotations performed.",
	}, []string{"rule"})

	RevocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault2kube_revocations_total",
		Help: "Total number of lease revocations issued, by reason.",
	}, []string{"rule", "reason"})

	once = sync.Once{}
)

// Register registers all collectors with the given registerer, exactly once
// per process; later calls are no-ops.
func Register(registerer prometheus.Registerer) {
	once.Do(func() {
		registerer.MustRegister(
			RuleRunsTotal,
			RuleDurationSeconds,
			RotationsTotal,
			RevocationsTotal,
		)
	})
}
