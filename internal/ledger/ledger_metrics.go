package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EntriesTotal counts committed ledger entries by kind.
	EntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "ledger_entries_total",
			Help:      "Committed ledger entries by kind.",
		},
		[]string{"kind"},
	)

	// EntryAmountCents sums committed entry amounts by kind and currency.
	EntryAmountCents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "ledger_entry_amount_cents_total",
			Help:      "Sum of committed entry amounts in minor units.",
		},
		[]string{"kind", "currency"},
	)

	// OpDuration observes ledger operation latency, lock wait included.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "holdfast",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"kind"},
	)

	// AdminAdjustmentsTotal counts manual credits/debits.
	AdminAdjustmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "ledger_admin_adjustments_total",
			Help:      "Manual admin adjustments by direction.",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(EntriesTotal, EntryAmountCents, OpDuration, AdminAdjustmentsTotal)
}
