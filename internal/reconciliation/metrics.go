package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileStuckEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hireloop",
		Subsystem: "reconciliation",
		Name:      "stuck_escrows",
		Help:      "Held escrows past their auto-release time in the last run.",
	})

	reconcileStalePayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hireloop",
		Subsystem: "reconciliation",
		Name:      "stale_payments",
		Help:      "Pending payments past expiry in the last run.",
	})

	reconcileFailedPayouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hireloop",
		Subsystem: "reconciliation",
		Name:      "failed_payouts",
		Help:      "Failed payouts awaiting retry in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hireloop",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hireloop",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileStuckEscrows,
		reconcileStalePayments,
		reconcileFailedPayouts,
		reconcileDuration,
		reconcileErrors,
	)
}
