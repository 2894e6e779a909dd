package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/escrow"
	"github.com/holdfast/holdfast/internal/fees"
	"github.com/holdfast/holdfast/internal/ledger"
	"github.com/holdfast/holdfast/internal/syncutil"
	"github.com/holdfast/holdfast/internal/testutil"
	"github.com/holdfast/holdfast/internal/txn"
)

var (
	buyer    = auth.Actor{UserID: "usr_buyer", Roles: []string{auth.RoleUser}}
	seller   = auth.Actor{UserID: "usr_seller", Roles: []string{auth.RoleUser}}
	stranger = auth.Actor{UserID: "usr_stranger", Roles: []string{auth.RoleUser}}
	admin    = auth.Actor{UserID: "usr_admin", Roles: []string{auth.RoleAdmin}}
)

type harness struct {
	name    string
	svc     *Service
	escrows *escrow.Service
	ledger  *ledger.Ledger
}

func policy() fees.Policy {
	return fees.Policy{Percent: decimal.NewFromInt(2), Payer: fees.PayerBuyer}
}

func newMemoryHarness(t *testing.T, sla SLA) *harness {
	t.Helper()
	locker := syncutil.NewLocker()
	tx := txn.MemoryRunner{}
	l := ledger.New(ledger.NewMemoryStore(), tx, locker, "platform")
	f := fees.NewService(fees.NewMemoryStore(), policy())
	es := escrow.NewService(escrow.NewMemoryStore(), l, f, tx, locker, escrow.Options{})
	return &harness{name: "memory", svc: NewService(NewMemoryStore(), es, tx, locker, sla), escrows: es, ledger: l}
}

func newSQLiteHarness(t *testing.T, sla SLA) *harness {
	t.Helper()
	db := testutil.SQLite(t)
	locker := syncutil.NewLocker()
	l := ledger.New(ledger.NewSQLStore(db), db, locker, "platform")
	f := fees.NewService(fees.NewSQLStore(db), policy())
	es := escrow.NewService(escrow.NewSQLStore(db), l, f, db, locker, escrow.Options{})
	return &harness{name: "sqlite", svc: NewService(NewSQLStore(db), es, db, locker, sla), escrows: es, ledger: l}
}

func harnesses(t *testing.T) []*harness {
	return []*harness{newMemoryHarness(t, DefaultSLA()), newSQLiteHarness(t, DefaultSLA())}
}

func (h *harness) balance(t *testing.T, owner string) (int64, int64) {
	t.Helper()
	w, err := h.ledger.OpenWallet(context.Background(), owner, "GHS")
	require.NoError(t, err)
	return w.AvailableCents, w.HeldCents
}

// shippedEscrow funds a 10,000 escrow from a 15,000 balance and ships it.
func (h *harness) shippedEscrow(t *testing.T) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	w, err := h.ledger.OpenWallet(ctx, buyer.UserID, "GHS")
	require.NoError(t, err)
	_, err = h.ledger.Credit(ctx, w.ID, 15_000, ledger.Posting{Description: "seed"})
	require.NoError(t, err)

	e, err := h.escrows.Create(ctx, buyer, escrow.CreateRequest{
		SellerID:    seller.UserID,
		Title:       "Phone",
		AmountCents: 10_000,
		Currency:    "GHS",
	})
	require.NoError(t, err)
	_, err = h.escrows.Fund(ctx, buyer, e.ID)
	require.NoError(t, err)
	e, _, err = h.escrows.Ship(ctx, seller, e.ID, escrow.ShipRequest{TrackingNumber: "GH-001"})
	require.NoError(t, err)
	return e
}

func (h *harness) escrowStatus(t *testing.T, id string) *escrow.Escrow {
	t.Helper()
	e, err := h.escrows.Lookup(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestOpenValidation(t *testing.T) {
	h := newMemoryHarness(t, DefaultSLA())
	ctx := context.Background()
	e := h.shippedEscrow(t)

	_, err := h.svc.Open(ctx, buyer, OpenRequest{EscrowID: e.ID})
	assert.ErrorIs(t, err, apperr.Validation)

	_, err = h.svc.Open(ctx, stranger, OpenRequest{EscrowID: e.ID, Reason: "mine"})
	assert.ErrorIs(t, err, apperr.Unauthorized)

	_, err = h.svc.Open(ctx, buyer, OpenRequest{EscrowID: "esc_missing", Reason: "?"})
	assert.ErrorIs(t, err, apperr.NotFound)

	unfunded, err := h.escrows.Create(ctx, buyer, escrow.CreateRequest{SellerID: seller.UserID, Title: "x", AmountCents: 100})
	require.NoError(t, err)
	_, err = h.svc.Open(ctx, buyer, OpenRequest{EscrowID: unfunded.ID, Reason: "changed my mind"})
	assert.ErrorIs(t, err, apperr.InvalidStateTransition)
}

// Scenario: a dispute opened while SHIPPED and refunded to the buyer.
func TestDisputeRefundedToBuyer(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()
			e := h.shippedEscrow(t)

			d, err := h.svc.Open(ctx, buyer, OpenRequest{EscrowID: e.ID, Reason: "Item not received"})
			require.NoError(t, err)
			assert.Equal(t, StatusOpen, d.Status)
			require.NotNil(t, d.StageDeadline)

			got := h.escrowStatus(t, e.ID)
			assert.Equal(t, escrow.StatusDisputed, got.Status)
			assert.Equal(t, escrow.StatusShipped, got.PreDisputeStatus)

			_, err = h.svc.Open(ctx, seller, OpenRequest{EscrowID: e.ID, Reason: "again"})
			assert.ErrorIs(t, err, apperr.InvalidStateTransition)

			_, err = h.escrows.Deliver(ctx, buyer, e.ID)
			assert.ErrorIs(t, err, apperr.InvalidStateTransition)
			_, err = h.escrows.Release(ctx, buyer, e.ID)
			assert.ErrorIs(t, err, apperr.InvalidStateTransition)

			_, err = h.svc.Resolve(ctx, buyer, d.ID, ResolveRequest{Outcome: OutcomeRefundToBuyer})
			assert.ErrorIs(t, err, apperr.Unauthorized)

			d, err = h.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: OutcomeRefundToBuyer, Notes: "courier lost it"})
			require.NoError(t, err)
			assert.Equal(t, StatusResolved, d.Status)
			assert.Equal(t, OutcomeRefundToBuyer, d.Outcome)
			assert.Equal(t, int64(10_000), d.BuyerRefundCents)
			assert.Equal(t, admin.UserID, d.ResolvedBy)
			assert.NotNil(t, d.ResolvedAt)

			got = h.escrowStatus(t, e.ID)
			assert.Equal(t, escrow.StatusRefunded, got.Status)
			assert.Zero(t, got.FeeCents)

			avail, held := h.balance(t, buyer.UserID)
			assert.Equal(t, int64(15_000), avail)
			assert.Zero(t, held)
			avail, _ = h.balance(t, seller.UserID)
			assert.Zero(t, avail)
			avail, _ = h.balance(t, "platform")
			assert.Zero(t, avail)

			_, err = h.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: OutcomeReleaseToSeller})
			assert.ErrorIs(t, err, apperr.InvalidStateTransition)
			_, err = h.svc.Close(ctx, admin, d.ID, "")
			assert.ErrorIs(t, err, apperr.InvalidStateTransition)

			full, err := h.svc.Get(ctx, seller, d.ID)
			require.NoError(t, err)
			require.Len(t, full.Messages, 2)
			for _, m := range full.Messages {
				assert.True(t, m.IsSystem)
				assert.Equal(t, "system", m.SenderID)
			}
		})
	}
}

func TestDisputeReleasedToSeller(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()
			e := h.shippedEscrow(t)
			d, err := h.svc.Open(ctx, seller, OpenRequest{EscrowID: e.ID, Reason: "Buyer will not confirm"})
			require.NoError(t, err)

			_, err = h.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: OutcomeReleaseToSeller})
			require.NoError(t, err)

			got := h.escrowStatus(t, e.ID)
			assert.Equal(t, escrow.StatusReleased, got.Status)
			assert.Equal(t, int64(200), got.FeeCents)
			avail, held := h.balance(t, buyer.UserID)
			assert.Equal(t, int64(5_000), avail)
			assert.Zero(t, held)
			avail, _ = h.balance(t, seller.UserID)
			assert.Equal(t, int64(9_800), avail)
			avail, _ = h.balance(t, "platform")
			assert.Equal(t, int64(200), avail)
		})
	}
}

// A two-milestone escrow disputed before any release is paid out in full.
func TestResolveMilestoneEscrow(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()
			w, err := h.ledger.OpenWallet(ctx, buyer.UserID, "GHS")
			require.NoError(t, err)
			_, err = h.ledger.Credit(ctx, w.ID, 10_000, ledger.Posting{Description: "seed"})
			require.NoError(t, err)

			e, err := h.escrows.Create(ctx, buyer, escrow.CreateRequest{
				SellerID:    seller.UserID,
				Type:        escrow.TypeService,
				Title:       "Website",
				AmountCents: 10_000,
				Currency:    "GHS",
				Milestones: []escrow.MilestoneInput{
					{Sequence: 1, Title: "Design", AmountCents: 4_000},
					{Sequence: 2, Title: "Build", AmountCents: 6_000},
				},
			})
			require.NoError(t, err)
			_, err = h.escrows.Fund(ctx, buyer, e.ID)
			require.NoError(t, err)

			d, err := h.svc.Open(ctx, seller, OpenRequest{EscrowID: e.ID, Reason: "Work delivered, no response"})
			require.NoError(t, err)
			_, err = h.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: OutcomeReleaseToSeller})
			require.NoError(t, err)

			got := h.escrowStatus(t, e.ID)
			assert.Equal(t, escrow.StatusReleased, got.Status)
			require.Len(t, got.Milestones, 2)
			for _, m := range got.Milestones {
				assert.Equal(t, escrow.MilestoneReleased, m.Status, "milestone %d", m.Sequence)
				assert.Zero(t, m.RefundedCents)
			}
			avail, held := h.balance(t, seller.UserID)
			assert.Equal(t, int64(9_800), avail)
			assert.Zero(t, held)
			_, held = h.balance(t, buyer.UserID)
			assert.Zero(t, held)
		})
	}
}

// Refunding a milestone escrow marks every outstanding milestone refunded.
func TestRefundMilestoneEscrow(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()
			w, err := h.ledger.OpenWallet(ctx, buyer.UserID, "GHS")
			require.NoError(t, err)
			_, err = h.ledger.Credit(ctx, w.ID, 10_000, ledger.Posting{Description: "seed"})
			require.NoError(t, err)

			e, err := h.escrows.Create(ctx, buyer, escrow.CreateRequest{
				SellerID:    seller.UserID,
				Type:        escrow.TypeService,
				Title:       "Website",
				AmountCents: 10_000,
				Currency:    "GHS",
				Milestones: []escrow.MilestoneInput{
					{Sequence: 1, AmountCents: 4_000},
					{Sequence: 2, AmountCents: 6_000},
				},
			})
			require.NoError(t, err)
			_, err = h.escrows.Fund(ctx, buyer, e.ID)
			require.NoError(t, err)

			d, err := h.svc.Open(ctx, buyer, OpenRequest{EscrowID: e.ID, Reason: "Nothing delivered"})
			require.NoError(t, err)
			_, err = h.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: OutcomeRefundToBuyer})
			require.NoError(t, err)

			got := h.escrowStatus(t, e.ID)
			assert.Equal(t, escrow.StatusRefunded, got.Status)
			for _, m := range got.Milestones {
				assert.Equal(t, escrow.MilestoneRefunded, m.Status, "milestone %d", m.Sequence)
				assert.Equal(t, m.AmountCents, m.RefundedCents)
			}
			avail, held := h.balance(t, buyer.UserID)
			assert.Equal(t, int64(10_000), avail)
			assert.Zero(t, held)
		})
	}
}

func TestDisputeSplit(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()
			e := h.shippedEscrow(t)
			d, err := h.svc.Open(ctx, buyer, OpenRequest{EscrowID: e.ID, Reason: "Screen cracked"})
			require.NoError(t, err)

			_, err = h.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: OutcomeSplit, BuyerRefundCents: 20_000})
			assert.ErrorIs(t, err, ErrInvalidSplit)
			_, err = h.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: "HALF"})
			assert.ErrorIs(t, err, apperr.Validation)
			assert.Equal(t, escrow.StatusDisputed, h.escrowStatus(t, e.ID).Status)

			d, err = h.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: OutcomeSplit, BuyerRefundCents: 3_000})
			require.NoError(t, err)
			assert.Equal(t, int64(3_000), d.BuyerRefundCents)

			got := h.escrowStatus(t, e.ID)
			assert.Equal(t, escrow.StatusReleased, got.Status)
			assert.Equal(t, int64(3_000), got.RefundedCents)
			assert.Equal(t, int64(7_000), got.ReleasedCents)

			avail, held := h.balance(t, buyer.UserID)
			assert.Equal(t, int64(8_000), avail)
			assert.Zero(t, held)
			avail, _ = h.balance(t, seller.UserID)
			assert.Equal(t, int64(6_860), avail)
			avail, _ = h.balance(t, "platform")
			assert.Equal(t, int64(140), avail)
		})
	}
}

func TestCloseRestoresEscrow(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()
			e := h.shippedEscrow(t)
			d, err := h.svc.Open(ctx, buyer, OpenRequest{EscrowID: e.ID, Reason: "Late"})
			require.NoError(t, err)

			_, err = h.svc.Close(ctx, seller, d.ID, "")
			assert.ErrorIs(t, err, apperr.Unauthorized)

			d, err = h.svc.Close(ctx, admin, d.ID, "arrived after all")
			require.NoError(t, err)
			assert.Equal(t, StatusClosed, d.Status)
			assert.NotNil(t, d.ClosedAt)

			got := h.escrowStatus(t, e.ID)
			assert.Equal(t, escrow.StatusShipped, got.Status)
			avail, held := h.balance(t, buyer.UserID)
			assert.Equal(t, int64(5_000), avail)
			assert.Equal(t, int64(10_000), held)

			_, err = h.escrows.Deliver(ctx, buyer, e.ID)
			require.NoError(t, err)

			// A closed dispute does not block a new one.
			_, err = h.svc.Open(ctx, buyer, OpenRequest{EscrowID: e.ID, Reason: "Wrong colour"})
			require.NoError(t, err)
		})
	}
}

// staleStore serves an earlier copy of one dispute on unlocked reads, as a
// reader racing a concurrent Resolve would see it.
type staleStore struct {
	Store
	stale *Dispute
}

func (s staleStore) Get(ctx context.Context, id string) (*Dispute, error) {
	if id == s.stale.ID {
		cp := *s.stale
		return &cp, nil
	}
	return s.Store.Get(ctx, id)
}

func TestMessageRejectedAfterConcurrentResolve(t *testing.T) {
	h := newMemoryHarness(t, DefaultSLA())
	ctx := context.Background()
	e := h.shippedEscrow(t)
	d, err := h.svc.Open(ctx, buyer, OpenRequest{EscrowID: e.ID, Reason: "Item not received"})
	require.NoError(t, err)

	_, err = h.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: OutcomeRefundToBuyer})
	require.NoError(t, err)
	before, err := h.svc.store.ListMessages(ctx, d.ID)
	require.NoError(t, err)

	svc := NewService(staleStore{Store: h.svc.store, stale: d}, h.escrows, txn.MemoryRunner{}, h.svc.locker, DefaultSLA())
	_, err = svc.PostMessage(ctx, buyer, d.ID, "Any update?")
	assert.ErrorIs(t, err, apperr.InvalidStateTransition)

	after, err := h.svc.store.ListMessages(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestMessageWaitsForEscrowLock(t *testing.T) {
	h := newMemoryHarness(t, DefaultSLA())
	ctx := context.Background()
	e := h.shippedEscrow(t)
	d, err := h.svc.Open(ctx, buyer, OpenRequest{EscrowID: e.ID, Reason: "Item not received"})
	require.NoError(t, err)

	_, unlock, err := h.svc.locker.Acquire(ctx, syncutil.EscrowKey(e.ID))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = h.svc.PostMessage(waitCtx, seller, d.ID, "Tracking shows delivered")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	m, err := h.svc.PostMessage(ctx, seller, d.ID, "Tracking shows delivered")
	require.NoError(t, err)
	assert.Equal(t, seller.UserID, m.SenderID)
}

func TestMessages(t *testing.T) {
	h := newMemoryHarness(t, DefaultSLA())
	ctx := context.Background()
	e := h.shippedEscrow(t)
	d, err := h.svc.Open(ctx, buyer, OpenRequest{EscrowID: e.ID, Reason: "Item not received"})
	require.NoError(t, err)

	_, err = h.svc.PostMessage(ctx, stranger, d.ID, "hello")
	assert.ErrorIs(t, err, apperr.Unauthorized)
	_, err = h.svc.PostMessage(ctx, seller, d.ID, "   ")
	assert.ErrorIs(t, err, apperr.Validation)

	m, err := h.svc.PostMessage(ctx, seller, d.ID, "Tracking shows delivered")
	require.NoError(t, err)
	assert.False(t, m.IsSystem)
	_, err = h.svc.PostMessage(ctx, admin, d.ID, "Please upload a photo")
	require.NoError(t, err)

	_, err = h.svc.Get(ctx, stranger, d.ID)
	assert.ErrorIs(t, err, apperr.Unauthorized)
	full, err := h.svc.Get(ctx, buyer, d.ID)
	require.NoError(t, err)
	require.Len(t, full.Messages, 3)
	assert.True(t, full.Messages[0].IsSystem)
	assert.Contains(t, full.Messages[0].Content, "opened by the buyer")
	assert.Equal(t, "Tracking shows delivered", full.Messages[1].Content)

	_, err = h.svc.Close(ctx, admin, d.ID, "")
	require.NoError(t, err)
	_, err = h.svc.PostMessage(ctx, buyer, d.ID, "wait")
	assert.ErrorIs(t, err, apperr.InvalidStateTransition)
}

func TestList(t *testing.T) {
	h := newMemoryHarness(t, DefaultSLA())
	ctx := context.Background()
	e := h.shippedEscrow(t)
	d, err := h.svc.Open(ctx, buyer, OpenRequest{EscrowID: e.ID, Reason: "Item not received"})
	require.NoError(t, err)

	mine, err := h.svc.List(ctx, seller, 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, d.ID, mine[0].ID)

	none, err := h.svc.List(ctx, stranger, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	active, err := h.svc.List(ctx, admin, 10)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	_, err = h.svc.Close(ctx, admin, d.ID, "")
	require.NoError(t, err)
	active, err = h.svc.List(ctx, admin, 10)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestEscalation(t *testing.T) {
	h := newMemoryHarness(t, SLA{Open: time.Hour, Negotiation: time.Hour})
	ctx := context.Background()
	e := h.shippedEscrow(t)
	d, err := h.svc.Open(ctx, buyer, OpenRequest{EscrowID: e.ID, Reason: "Item not received"})
	require.NoError(t, err)

	now := time.Now().UTC()
	assert.Zero(t, h.svc.EscalateDue(ctx, now))

	assert.Equal(t, 1, h.svc.EscalateDue(ctx, now.Add(2*time.Hour)))
	got, err := h.svc.Get(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNegotiation, got.Status)
	require.NotNil(t, got.StageDeadline)

	assert.Equal(t, 1, h.svc.EscalateDue(ctx, now.Add(2*time.Hour)))
	got, err = h.svc.Get(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusMediation, got.Status)
	assert.Nil(t, got.StageDeadline, "mediation has no SLA configured")

	assert.Zero(t, h.svc.EscalateDue(ctx, now.Add(100*time.Hour)))

	_, err = h.svc.Escalate(ctx, buyer, d.ID)
	assert.ErrorIs(t, err, apperr.Unauthorized)

	got, err = h.svc.Escalate(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArbitration, got.Status)

	_, err = h.svc.Escalate(ctx, admin, d.ID)
	assert.ErrorIs(t, err, apperr.InvalidStateTransition)

	full, err := h.svc.Get(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Len(t, full.Messages, 4)
	assert.Contains(t, full.Messages[1].Content, "deadline passed")
	assert.Contains(t, full.Messages[3].Content, "by an administrator")

	assert.Equal(t, escrow.StatusDisputed, h.escrowStatus(t, e.ID).Status)
}
