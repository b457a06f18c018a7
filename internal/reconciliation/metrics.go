package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	// labels: outcome (ok, error)
	sweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxreseller",
		Subsystem: "reconciliation",
		Name:      "trial_sweeps_total",
		Help:      "Total trial sweep runs.",
	}, []string{"outcome"})

	// labels: result (expired, skipped, error)
	sweepClients = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxreseller",
		Subsystem: "reconciliation",
		Name:      "trial_sweep_clients_total",
		Help:      "Clients visited by trial sweeps, by result.",
	}, []string{"result"})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "voxreseller",
		Subsystem: "reconciliation",
		Name:      "trial_sweep_duration_seconds",
		Help:      "Duration of trial sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// labels: outcome (ok, error)
	syncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxreseller",
		Subsystem: "reconciliation",
		Name:      "resource_syncs_total",
		Help:      "Total resource sync runs.",
	}, []string{"outcome"})

	// labels: op (enable, disable), outcome (ok, error)
	syncCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxreseller",
		Subsystem: "reconciliation",
		Name:      "resource_sync_calls_total",
		Help:      "Provisioning calls issued by resource syncs.",
	}, []string{"op", "outcome"})

	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "voxreseller",
		Subsystem: "reconciliation",
		Name:      "resource_sync_duration_seconds",
		Help:      "Duration of resource syncs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
)

func init() {
	prometheus.MustRegister(
		sweepRuns,
		sweepClients,
		sweepDuration,
		syncRuns,
		syncCalls,
		syncDuration,
	)
}
