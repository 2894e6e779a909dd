package reconciliation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/metrics"
)

// RunResult is the outcome of one full reconciliation pass.
type RunResult struct {
	Balance  *BalanceReport `json:"balance"`
	Wallets  *WalletCheck   `json:"wallets"`
	Duration time.Duration  `json:"durationNs"`
	RanAt    time.Time      `json:"ranAt"`
}

// Reconciled reports whether both the balance and wallet checks passed.
func (r *RunResult) Reconciled() bool {
	return r.Balance.Reconciled && len(r.Wallets.Drift) == 0
}

// Runner executes the balance and wallet checks, publishes gauges and
// keeps the latest result.
type Runner struct {
	service *Service
	logger  *slog.Logger

	mu   sync.RWMutex
	last *RunResult
}

// NewRunner creates a reconciliation runner.
func NewRunner(service *Service, logger *slog.Logger) *Runner {
	return &Runner{service: service, logger: logger}
}

// Last returns the most recent result, or nil before the first run.
func (r *Runner) Last() *RunResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// RunAll runs every check. A mismatch is logged at Warn and returned in the
// result; only failures to read state are errors.
func (r *Runner) RunAll(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	balance, err := r.service.Balance(ctx, auth.System)
	if err != nil {
		reconcileErrors.Inc()
		metrics.ReconciliationRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	wallets, err := r.service.CheckWallets(ctx, auth.System)
	if err != nil {
		reconcileErrors.Inc()
		metrics.ReconciliationRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	res := &RunResult{Balance: balance, Wallets: wallets, Duration: time.Since(start), RanAt: start.UTC()}

	mismatched := balance.Mismatched()
	for _, l := range balance.Currencies {
		metrics.ReconciliationDifferenceCents.WithLabelValues(l.Currency).Set(float64(l.Difference))
		reconcileUnattributedHeld.WithLabelValues(l.Currency).Set(float64(l.UnattributedHeld))
	}
	reconcileMismatchedCurrencies.Set(float64(len(mismatched)))
	reconcileWalletsChecked.Set(float64(wallets.Checked))
	metrics.ReconciliationWalletDrift.Set(float64(len(wallets.Drift)))

	for _, l := range mismatched {
		r.logger.Warn("escrow holds do not reconcile",
			"kind", apperr.KindReconciliationMismatch,
			"currency", l.Currency,
			"escrowHoldBalanceCents", l.EscrowHoldBalance,
			"pendingEscrowsCents", l.PendingEscrows,
			"differenceCents", l.Difference,
			"unattributedHeldCents", l.UnattributedHeld)
	}
	for _, d := range wallets.Drift {
		r.logger.Warn("wallet balance drifted from its entries",
			"kind", apperr.KindReconciliationMismatch,
			"walletId", d.WalletID,
			"actualAvailableCents", d.ActualAvailable,
			"replayAvailableCents", d.ReplayAvailable,
			"actualHeldCents", d.ActualHeld,
			"replayHeldCents", d.ReplayHeld)
	}

	result := "ok"
	if !res.Reconciled() {
		result = "mismatch"
	}
	metrics.ReconciliationRunsTotal.WithLabelValues(result).Inc()

	r.mu.Lock()
	r.last = res
	r.mu.Unlock()
	return res, nil
}
