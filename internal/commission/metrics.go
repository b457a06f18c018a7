package commission

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	commEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxreseller",
		Subsystem: "commission",
		Name:      "entries_total",
		Help:      "Commission ledger writes by outcome.",
	}, []string{"outcome"}) // "recorded", "duplicate", "orphaned", "self_referral", "failed"

	commCreditedCents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voxreseller",
		Subsystem: "commission",
		Name:      "credited_cents_total",
		Help:      "Total commission credited to referrer balances, in cents.",
	})

	commPayouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxreseller",
		Subsystem: "commission",
		Name:      "payouts_total",
		Help:      "Commission payouts by outcome.",
	}, []string{"outcome"}) // "paid", "no_destination", "below_minimum", "transfer_failed", "settle_failed"

	commPaidOutCents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voxreseller",
		Subsystem: "commission",
		Name:      "paid_out_cents_total",
		Help:      "Total commission transferred to referrers, in cents.",
	})

	commOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "voxreseller",
		Subsystem: "commission",
		Name:      "store_operation_duration_seconds",
		Help:      "Commission store operation duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		commEntries,
		commCreditedCents,
		commPayouts,
		commPaidOutCents,
		commOpDuration,
	)
}

func observeOp(op string, start time.Time) {
	commOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
