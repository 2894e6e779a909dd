package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/idgen"
	"github.com/holdfast/holdfast/internal/syncutil"
	"github.com/holdfast/holdfast/internal/testutil"
	"github.com/holdfast/holdfast/internal/txn"
	"github.com/holdfast/holdfast/internal/validation"
)

type backend struct {
	name   string
	ledger *Ledger
	tx     txn.Runner
}

func backends(t *testing.T) []backend {
	t.Helper()
	db := testutil.SQLite(t)
	return []backend{
		{"memory", New(NewMemoryStore(), txn.MemoryRunner{}, syncutil.NewLocker(), "platform"), txn.MemoryRunner{}},
		{"sqlite", New(NewSQLStore(db), db, syncutil.NewLocker(), "platform"), db},
	}
}

func funded(t *testing.T, l *Ledger, owner string, cents int64) *Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := l.OpenWallet(ctx, owner, "GHS")
	require.NoError(t, err)
	if cents > 0 {
		_, err = l.Credit(ctx, w.ID, cents, Posting{Description: "seed"})
		require.NoError(t, err)
	}
	return w
}

func balances(t *testing.T, l *Ledger, id string) (int64, int64) {
	t.Helper()
	w, err := l.Wallet(context.Background(), id)
	require.NoError(t, err)
	return w.AvailableCents, w.HeldCents
}

func TestOpenWallet(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			w1, err := b.ledger.OpenWallet(ctx, "usr_a", "ghs")
			require.NoError(t, err)
			assert.Equal(t, "GHS", w1.Currency)
			assert.Zero(t, w1.AvailableCents)

			w2, err := b.ledger.OpenWallet(ctx, "usr_a", "GHS")
			require.NoError(t, err)
			assert.Equal(t, w1.ID, w2.ID)

			usd, err := b.ledger.OpenWallet(ctx, "usr_a", "USD")
			require.NoError(t, err)
			assert.NotEqual(t, w1.ID, usd.ID)

			all, err := b.ledger.WalletsFor(ctx, "usr_a")
			require.NoError(t, err)
			assert.Len(t, all, 2)

			_, err = b.ledger.OpenWallet(ctx, "usr_a", "GH")
			assert.ErrorIs(t, err, ErrInvalidCurrency)

			_, err = b.ledger.Wallet(ctx, "wal_missing")
			assert.ErrorIs(t, err, apperr.NotFound)
		})
	}
}

func TestBalanceMovements(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			w := funded(t, b.ledger, "usr_buyer", 10_000)

			_, err := b.ledger.Hold(ctx, w.ID, 4_000, Posting{EscrowID: "esc_1"})
			require.NoError(t, err)
			avail, held := balances(t, b.ledger, w.ID)
			assert.Equal(t, int64(6_000), avail)
			assert.Equal(t, int64(4_000), held)

			_, err = b.ledger.ReleaseHold(ctx, w.ID, 1_000, Posting{EscrowID: "esc_1"})
			require.NoError(t, err)
			require.NoError(t, b.ledger.SettleHold(ctx, w.ID, 3_000, Posting{EscrowID: "esc_1"}))
			avail, held = balances(t, b.ledger, w.ID)
			assert.Equal(t, int64(7_000), avail)
			assert.Zero(t, held)

			_, err = b.ledger.Debit(ctx, w.ID, 7_000, Posting{})
			require.NoError(t, err)
			avail, _ = balances(t, b.ledger, w.ID)
			assert.Zero(t, avail)

			res, err := b.ledger.Replay(ctx, w.ID)
			require.NoError(t, err)
			assert.True(t, res.Match)
			assert.Zero(t, res.ReplayAvailable)
		})
	}
}

func TestInsufficientFundsWritesNothing(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			w := funded(t, b.ledger, "usr_a", 500)

			_, err := b.ledger.Debit(ctx, w.ID, 501, Posting{})
			assert.ErrorIs(t, err, ErrInsufficientFunds)
			assert.ErrorIs(t, err, apperr.InsufficientFunds)

			_, err = b.ledger.Hold(ctx, w.ID, 600, Posting{})
			assert.ErrorIs(t, err, apperr.InsufficientFunds)

			_, err = b.ledger.ReleaseHold(ctx, w.ID, 1, Posting{})
			assert.ErrorIs(t, err, ErrInsufficientHeld)

			err = b.ledger.SettleHold(ctx, w.ID, 1, Posting{})
			assert.ErrorIs(t, err, ErrInsufficientHeld)

			_, err = b.ledger.Credit(ctx, w.ID, 0, Posting{})
			assert.ErrorIs(t, err, ErrInvalidAmount)

			entries, _, err := b.ledger.Entries(ctx, w.ID, "", 50)
			require.NoError(t, err)
			assert.Len(t, entries, 1)
			avail, held := balances(t, b.ledger, w.ID)
			assert.Equal(t, int64(500), avail)
			assert.Zero(t, held)
		})
	}
}

func TestUnitOfWorkRollsBackEntries(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			buyer := funded(t, b.ledger, "usr_buyer", 1_000)
			seller := funded(t, b.ledger, "usr_seller", 0)

			boom := errors.New("boom")
			err := b.tx.RunInTx(ctx, func(ctx context.Context) error {
				if _, err := b.ledger.Debit(ctx, buyer.ID, 400, Posting{}); err != nil {
					return err
				}
				if _, err := b.ledger.Credit(ctx, seller.ID, 400, Posting{}); err != nil {
					return err
				}
				return boom
			})
			assert.ErrorIs(t, err, boom)

			avail, _ := balances(t, b.ledger, buyer.ID)
			assert.Equal(t, int64(1_000), avail)
			avail, _ = balances(t, b.ledger, seller.ID)
			assert.Zero(t, avail)

			for _, id := range []string{buyer.ID, seller.ID} {
				res, err := b.ledger.Replay(ctx, id)
				require.NoError(t, err)
				assert.True(t, res.Match, id)
			}
		})
	}
}

func TestAdminAdjustments(t *testing.T) {
	admin := auth.Actor{UserID: "usr_admin", Roles: []string{auth.RoleAdmin}}
	user := auth.Actor{UserID: "usr_a", Roles: []string{auth.RoleUser}}

	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			w := funded(t, b.ledger, "usr_a", 0)

			_, err := b.ledger.AdminCredit(ctx, user, w.ID, 100, "goodwill")
			assert.ErrorIs(t, err, apperr.Unauthorized)

			_, err = b.ledger.AdminCredit(ctx, admin, w.ID, 100, "   ")
			assert.ErrorIs(t, err, ErrDescriptionRequired)

			e, err := b.ledger.AdminCredit(ctx, admin, w.ID, 100, "goodwill")
			require.NoError(t, err)
			assert.Equal(t, "usr_admin", e.ActorID)
			assert.Equal(t, KindCredit, e.Kind)

			_, err = b.ledger.AdminDebit(ctx, admin, w.ID, 101, "correction")
			assert.ErrorIs(t, err, ErrInsufficientFunds)

			_, err = b.ledger.AdminDebit(ctx, admin, w.ID, 40, "correction")
			require.NoError(t, err)
			avail, _ := balances(t, b.ledger, w.ID)
			assert.Equal(t, int64(60), avail)
		})
	}
}

// setBalances writes balances directly, bypassing apply.
func setBalances(t *testing.T, l *Ledger, id string, available, held int64) {
	t.Helper()
	ctx := context.Background()
	w, err := l.Wallet(ctx, id)
	require.NoError(t, err)
	w.AvailableCents, w.HeldCents = available, held
	w.UpdatedAt = time.Now().UTC()
	require.NoError(t, l.store.ApplyEntry(ctx, w, &Entry{
		ID:          idgen.WithPrefix("ent_"),
		WalletID:    id,
		Kind:        KindCredit,
		AmountCents: 1,
		Description: "fixture",
		CreatedAt:   w.UpdatedAt,
	}))
}

func TestBalancesNeverOverflow(t *testing.T) {
	admin := auth.Actor{UserID: "usr_admin", Roles: []string{auth.RoleAdmin}}

	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			w := funded(t, b.ledger, "usr_rich", 0)

			_, err := b.ledger.AdminCredit(ctx, admin, w.ID, math.MaxInt64, "too much")
			assert.ErrorIs(t, err, ErrInvalidAmount)
			_, err = b.ledger.AdminCredit(ctx, admin, w.ID, validation.MaxCents+1, "too much")
			assert.ErrorIs(t, err, apperr.Validation)
			_, err = b.ledger.AdminCredit(ctx, admin, w.ID, validation.MaxCents, "largest single credit")
			require.NoError(t, err)

			setBalances(t, b.ledger, w.ID, math.MaxInt64-10, 0)
			_, err = b.ledger.AdminCredit(ctx, admin, w.ID, 11, "wraps")
			assert.ErrorIs(t, err, ErrBalanceOverflow)
			_, err = b.ledger.Credit(ctx, w.ID, 10, Posting{Description: "fits exactly"})
			require.NoError(t, err)
			avail, _ := balances(t, b.ledger, w.ID)
			assert.Equal(t, int64(math.MaxInt64), avail)

			setBalances(t, b.ledger, w.ID, 100, math.MaxInt64-10)
			_, err = b.ledger.Hold(ctx, w.ID, 50, Posting{Description: "wraps held"})
			assert.ErrorIs(t, err, ErrBalanceOverflow)
			avail, held := balances(t, b.ledger, w.ID)
			assert.Equal(t, int64(100), avail)
			assert.Equal(t, int64(math.MaxInt64-10), held)

			setBalances(t, b.ledger, w.ID, math.MaxInt64-10, 50)
			_, err = b.ledger.ReleaseHold(ctx, w.ID, 50, Posting{Description: "wraps available"})
			assert.ErrorIs(t, err, ErrBalanceOverflow)
		})
	}
}

func TestExternalCreditIsIdempotent(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			e1, dup, err := b.ledger.ExternalCredit(ctx, "usr_a", "GHS", 2_500, "pi_123", "card top-up")
			require.NoError(t, err)
			assert.False(t, dup)

			e2, dup, err := b.ledger.ExternalCredit(ctx, "usr_a", "GHS", 2_500, "pi_123", "card top-up")
			require.NoError(t, err)
			assert.True(t, dup)
			assert.Equal(t, e1.ID, e2.ID)

			w, err := b.ledger.WalletFor(ctx, "usr_a", "GHS")
			require.NoError(t, err)
			assert.Equal(t, int64(2_500), w.AvailableCents)

			_, _, err = b.ledger.ExternalCredit(ctx, "usr_a", "GHS", 1, "", "")
			assert.ErrorIs(t, err, ErrReferenceRequired)
		})
	}
}

func TestEscrowHeldAndBalances(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			w := funded(t, b.ledger, "usr_a", 1_000)
			other := funded(t, b.ledger, "usr_b", 300)

			_, err := b.ledger.Hold(ctx, w.ID, 700, Posting{EscrowID: "esc_1"})
			require.NoError(t, err)
			_, err = b.ledger.Hold(ctx, other.ID, 100, Posting{WithdrawalID: "wdr_1"})
			require.NoError(t, err)
			_, err = b.ledger.ReleaseHold(ctx, w.ID, 200, Posting{EscrowID: "esc_1"})
			require.NoError(t, err)

			held, err := b.ledger.EscrowHeldByCurrency(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(500), held["GHS"])

			sums, err := b.ledger.SumBalances(ctx)
			require.NoError(t, err)
			require.Len(t, sums, 1)
			assert.Equal(t, int64(2), sums[0].Wallets)
			assert.Equal(t, int64(700), sums[0].AvailableCents)
			assert.Equal(t, int64(600), sums[0].HeldCents)
		})
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			w := funded(t, b.ledger, "usr_a", 100)

			var ok atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := b.ledger.Debit(ctx, w.ID, 10, Posting{}); err == nil {
						ok.Add(1)
					} else {
						assert.ErrorIs(t, err, ErrInsufficientFunds)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int64(10), ok.Load())
			avail, _ := balances(t, b.ledger, w.ID)
			assert.Zero(t, avail)
		})
	}
}

func TestEntriesPaging(t *testing.T) {
	l := New(NewMemoryStore(), txn.MemoryRunner{}, syncutil.NewLocker(), "platform")
	ctx := context.Background()
	w := funded(t, l, "usr_a", 0)
	for i := 0; i < 5; i++ {
		_, err := l.Credit(ctx, w.ID, int64(i+1), Posting{})
		require.NoError(t, err)
	}

	page, next, err := l.Entries(ctx, w.ID, "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(5), page[0].AmountCents)
	require.NotEmpty(t, next)

	page, next, err = l.Entries(ctx, w.ID, next, 3)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(1), page[1].AmountCents)
	assert.Empty(t, next)

	_, _, err = l.Entries(ctx, w.ID, "garbage!", 3)
	assert.ErrorIs(t, err, apperr.Validation)
}
