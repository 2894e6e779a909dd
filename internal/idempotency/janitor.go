package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// Janitor expires stored responses older than the retention window.
type Janitor struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewJanitor creates a janitor. Non-positive durations default to a 24h
// retention swept hourly.
func NewJanitor(store Store, retention, interval time.Duration, logger *slog.Logger) *Janitor {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{store: store, retention: retention, interval: interval, logger: logger}
}

// Sweep deletes records created before now minus the retention window.
func (j *Janitor) Sweep(ctx context.Context, now time.Time) (int64, error) {
	return j.store.DeleteBefore(ctx, now.Add(-j.retention))
}

// Start sweeps on every tick until ctx is done. Call in a goroutine.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.Sweep(ctx, time.Now())
			if err != nil {
				j.logger.Warn("idempotency sweep failed", "error", err)
				continue
			}
			if n > 0 {
				j.logger.Debug("idempotency keys expired", "count", n)
			}
		}
	}
}
