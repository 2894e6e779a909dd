package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/holdfast/holdfast/internal/apperr"
)

// persistAfter is the number of consecutive mismatched runs after which the
// timer raises an error-level alert. A single mismatch can be a race with
// an in-flight settlement; a streak cannot.
const persistAfter = 3

// Timer periodically runs reconciliation checks.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	streak   atomic.Int64
}

// NewTimer creates a reconciliation timer. A non-positive interval
// defaults to five minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Streak is the number of consecutive runs that did not reconcile.
func (t *Timer) Streak() int64 {
	return t.streak.Load()
}

// Start runs reconciliation once, then on every tick. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeTick(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeTick(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()
	t.tick(ctx)
}

// tick runs one pass and tracks the mismatch streak. Read failures leave
// the streak unchanged.
func (t *Timer) tick(ctx context.Context) {
	res, err := t.runner.RunAll(ctx)
	if err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
		return
	}

	if res.Reconciled() {
		if prev := t.streak.Swap(0); prev >= persistAfter {
			t.logger.Info("reconciliation recovered", "mismatchedRuns", prev)
		}
		return
	}

	n := t.streak.Add(1)
	if n >= persistAfter {
		t.logger.Error("reconciliation mismatch persists",
			"kind", apperr.KindReconciliationMismatch,
			"consecutiveRuns", n,
			"mismatchedCurrencies", len(res.Balance.Mismatched()),
			"driftedWallets", len(res.Wallets.Drift))
	}
}
