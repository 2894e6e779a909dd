package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatchedCurrencies = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdfast",
		Subsystem: "reconciliation",
		Name:      "mismatched_currencies",
		Help:      "Number of currencies that failed the balance check in the last run.",
	})

	reconcileWalletsChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdfast",
		Subsystem: "reconciliation",
		Name:      "wallets_checked",
		Help:      "Number of wallets replayed in the last reconciliation run.",
	})

	reconcileUnattributedHeld = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "holdfast",
		Subsystem: "reconciliation",
		Name:      "unattributed_held_cents",
		Help:      "Wallet held balance explained by neither escrow nor withdrawal holds.",
	}, []string{"currency"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "holdfast",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "holdfast",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatchedCurrencies,
		reconcileWalletsChecked,
		reconcileUnattributedHeld,
		reconcileDuration,
		reconcileErrors,
	)
}
