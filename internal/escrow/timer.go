package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer cancels escrows that stayed unfunded past the funding timeout.
type Timer struct {
	service  *Service
	store    Store
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a funding-timeout timer. A zero timeout disables expiry.
func NewTimer(service *Service, store Store, timeout time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		timeout:  timeout,
		interval: time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the expiry loop until ctx is done or Stop is called. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeExpire(ctx)
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

func (t *Timer) safeExpire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.ExpireUnfunded(ctx, time.Now())
}

// ExpireUnfunded cancels escrows created before now-timeout that are still
// awaiting funding, and returns how many it cancelled.
func (t *Timer) ExpireUnfunded(ctx context.Context, now time.Time) int {
	if t.timeout <= 0 {
		return 0
	}
	stale, err := t.store.ListByStatus(ctx, StatusAwaitingFunding, now.Add(-t.timeout), 100)
	if err != nil {
		t.logger.Warn("failed to list unfunded escrows", "error", err)
		return 0
	}

	n := 0
	for _, e := range stale {
		if _, err := t.service.ExpireUnfunded(ctx, e.ID); err != nil {
			// Funded or cancelled since the listing.
			t.logger.Debug("skipping unfunded escrow", "escrowId", e.ID, "error", err)
			continue
		}
		n++
		t.logger.Info("cancelled unfunded escrow",
			"escrowId", e.ID,
			"buyer", e.BuyerID,
			"createdAt", e.CreatedAt,
		)
	}
	return n
}
