package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/holdfast/holdfast/internal/syncutil"
)

// The dispute workflow changes an escrow together with its own records.
// It does so inside Transact, which provides the locks and the unit of
// work; the methods below refuse to run anywhere else.

// Transact locks the escrow and its wallets and runs fn inside one unit of
// work on a fresh copy of the escrow.
func (s *Service) Transact(ctx context.Context, id string, fn func(ctx context.Context, e *Escrow) error) (*Escrow, error) {
	return s.transact(ctx, id, true, fn)
}

func (s *Service) requireLocked(ctx context.Context, e *Escrow) error {
	if !s.locker.Holds(ctx, syncutil.EscrowKey(e.ID)) {
		return ErrNotLocked
	}
	return nil
}

// Freeze moves a disputable escrow to DISPUTED, remembering where it was.
func (s *Service) Freeze(ctx context.Context, e *Escrow) error {
	if err := s.requireLocked(ctx, e); err != nil {
		return err
	}
	if !e.Disputable() {
		return invalidStatus(e, "dispute")
	}
	e.PreDisputeStatus = e.Status
	return s.moveTo(ctx, e, StatusDisputed)
}

// Unfreeze returns a DISPUTED escrow to its pre-dispute status without
// moving funds.
func (s *Service) Unfreeze(ctx context.Context, e *Escrow) error {
	if err := s.requireLocked(ctx, e); err != nil {
		return err
	}
	if e.Status != StatusDisputed {
		return invalidStatus(e, "restore")
	}
	to := e.PreDisputeStatus
	if to == "" {
		to = StatusFunded
	}
	e.PreDisputeStatus = ""
	return s.moveTo(ctx, e, to)
}

// Settle disposes of a DISPUTED escrow's remaining hold: buyerRefundCents
// go back to the buyer, the rest is paid to the seller fee-adjusted.
//
// A plain escrow ends RELEASED if this settlement pays the seller and
// REFUNDED otherwise. A milestone escrow settles each outstanding milestone
// in sequence order, the seller's share going to the earliest ones; see
// settleMilestones.
func (s *Service) Settle(ctx context.Context, e *Escrow, buyerRefundCents int64) error {
	if err := s.requireLocked(ctx, e); err != nil {
		return err
	}
	if e.Status != StatusDisputed {
		return invalidStatus(e, "settle")
	}
	remaining := e.RemainingCents()
	if buyerRefundCents < 0 || buyerRefundCents > remaining {
		return fmt.Errorf("%w: refund %d outside 0..%d", ErrInvalidStatus, buyerRefundCents, remaining)
	}
	toSeller := remaining - buyerRefundCents

	if e.hasMilestones() {
		return s.settleMilestones(ctx, e, toSeller)
	}

	if err := s.refund(ctx, e, buyerRefundCents); err != nil {
		return err
	}
	if toSeller > 0 {
		if _, err := s.payout(ctx, e, toSeller); err != nil {
			return err
		}
		return s.finish(ctx, e, StatusReleased)
	}
	return s.finish(ctx, e, StatusRefunded)
}

// settleMilestones leaves no milestone open. A milestone that receives any
// seller money becomes RELEASED (with the unpaid rest recorded as
// RefundedCents); one that receives none becomes REFUNDED. The escrow ends
// RELEASED only when every milestone is RELEASED, REFUNDED otherwise.
func (s *Service) settleMilestones(ctx context.Context, e *Escrow, toSeller int64) error {
	now := time.Now().UTC()
	allReleased := true
	for _, m := range e.Milestones {
		if m.Status == MilestoneReleased {
			continue
		}
		pay := min(m.AmountCents, toSeller)
		back := m.AmountCents - pay
		toSeller -= pay

		if pay > 0 {
			b, err := s.payout(ctx, e, pay)
			if err != nil {
				return err
			}
			m.FeeCents = b.FeeCents
			m.Status = MilestoneReleased
			m.ReleasedAt = &now
		} else {
			m.Status = MilestoneRefunded
			allReleased = false
		}
		if err := s.refund(ctx, e, back); err != nil {
			return err
		}
		m.RefundedCents = back
		if err := s.store.UpdateMilestone(ctx, m); err != nil {
			return err
		}
	}
	if toSeller != 0 || e.RemainingCents() != 0 {
		return fmt.Errorf("%w: milestones do not cover the escrow hold", ErrMilestoneSum)
	}

	if allReleased {
		return s.finish(ctx, e, StatusReleased)
	}
	return s.finish(ctx, e, StatusRefunded)
}
