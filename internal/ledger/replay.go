package ledger

import (
	"context"

	"github.com/holdfast/holdfast/internal/syncutil"
)

// ReplayResult compares a wallet's cached balance with the balance
// rebuilt from its entries.
type ReplayResult struct {
	WalletID        string `json:"walletId"`
	OwnerID         string `json:"ownerId"`
	Currency        string `json:"currency"`
	Match           bool   `json:"match"`
	ReplayAvailable int64  `json:"replayAvailableCents"`
	ReplayHeld      int64  `json:"replayHeldCents"`
	ActualAvailable int64  `json:"actualAvailableCents"`
	ActualHeld      int64  `json:"actualHeldCents"`
}

// RebuildBalance derives available and held from per-kind entry totals.
func RebuildBalance(sums map[EntryKind]int64) (available, held int64) {
	available = sums[KindCredit] - sums[KindDebit] - sums[KindHold] + sums[KindReleaseHold]
	held = sums[KindHold] - sums[KindReleaseHold]
	return available, held
}

// Replay rebuilds one wallet's balance from its log. The wallet lock is
// taken so the comparison never straddles an in-flight operation.
func (l *Ledger) Replay(ctx context.Context, walletID string) (*ReplayResult, error) {
	ctx, unlock, err := l.locker.Acquire(ctx, syncutil.WalletKey(walletID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := l.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	sums, err := l.store.SumByKind(ctx, walletID)
	if err != nil {
		return nil, err
	}

	avail, held := RebuildBalance(sums)
	return &ReplayResult{
		WalletID:        w.ID,
		OwnerID:         w.OwnerID,
		Currency:        w.Currency,
		Match:           avail == w.AvailableCents && held == w.HeldCents,
		ReplayAvailable: avail,
		ReplayHeld:      held,
		ActualAvailable: w.AvailableCents,
		ActualHeld:      w.HeldCents,
	}, nil
}
