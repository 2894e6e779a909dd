package escrow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/idgen"
	"github.com/holdfast/holdfast/internal/traces"
	"github.com/holdfast/holdfast/internal/validation"
)

func sortMilestones(ms []*Milestone) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Sequence < ms[j].Sequence })
}

func findMilestone(e *Escrow, milestoneID string) (*Milestone, error) {
	for _, m := range e.Milestones {
		if m.ID == milestoneID {
			return m, nil
		}
	}
	return nil, ErrMilestoneNotFound
}

// AddMilestone appends a milestone to an unfunded escrow. The milestone sum
// may not exceed the escrow amount.
func (s *Service) AddMilestone(ctx context.Context, actor auth.Actor, id string, in MilestoneInput) (*Escrow, error) {
	if in.Sequence <= 0 {
		return nil, apperr.Validationf("milestone sequence must be positive")
	}
	if errs := validation.Validate(validation.PositiveCents("amountCents", in.AmountCents)); len(errs) > 0 {
		return nil, apperr.Wrap(apperr.KindValidation, errs, "")
	}

	return s.transact(ctx, id, false, func(ctx context.Context, e *Escrow) error {
		if actor.UserID != e.BuyerID {
			return ErrUnauthorized
		}
		if e.Status != StatusAwaitingFunding {
			return invalidStatus(e, "add milestone to")
		}
		sum := in.AmountCents
		for _, m := range e.Milestones {
			if m.Sequence == in.Sequence {
				return apperr.Validationf(fmt.Sprintf("milestone sequence %d already exists", in.Sequence))
			}
			sum += m.AmountCents
		}
		if sum > e.AmountCents {
			return fmt.Errorf("%w: milestones %d, escrow %d", ErrMilestoneSum, sum, e.AmountCents)
		}

		m := &Milestone{
			ID:          idgen.WithPrefix("mst_"),
			EscrowID:    e.ID,
			Sequence:    in.Sequence,
			Title:       validation.SanitizeString(in.Title, 200),
			AmountCents: in.AmountCents,
			Status:      MilestonePending,
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.store.AddMilestone(ctx, m); err != nil {
			return err
		}
		e.Milestones = append(e.Milestones, m)
		sortMilestones(e.Milestones)
		e.UpdatedAt = m.CreatedAt
		return s.store.Update(ctx, e)
	})
}

// CompleteMilestone is the buyer accepting a milestone's work.
func (s *Service) CompleteMilestone(ctx context.Context, actor auth.Actor, id, milestoneID string) (*Escrow, error) {
	return s.transact(ctx, id, false, func(ctx context.Context, e *Escrow) error {
		if actor.UserID != e.BuyerID {
			return ErrUnauthorized
		}
		if !milestoneWorkable(e) {
			return invalidStatus(e, "complete a milestone of")
		}
		m, err := findMilestone(e, milestoneID)
		if err != nil {
			return err
		}
		if m.Status != MilestonePending {
			return fmt.Errorf("%w: milestone is %s", ErrInvalidStatus, m.Status)
		}
		if s.opts.StrictMilestoneOrder && !earlierAtLeast(e, m, MilestoneCompleted) {
			return ErrMilestoneOrder
		}

		now := time.Now().UTC()
		m.Status = MilestoneCompleted
		m.CompletedAt = &now
		if err := s.store.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		s.emit(ctx, "escrow.milestone_completed", e)
		return nil
	})
}

// ReleaseMilestone pays out one completed milestone, fee-adjusted. The
// escrow becomes RELEASED with its last milestone.
func (s *Service) ReleaseMilestone(ctx context.Context, actor auth.Actor, id, milestoneID string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release_milestone", traces.EscrowID(id), traces.MilestoneID(milestoneID))
	defer span.End()

	e, err := s.transact(ctx, id, true, func(ctx context.Context, e *Escrow) error {
		if actor.UserID != e.BuyerID {
			return ErrUnauthorized
		}
		if !milestoneWorkable(e) {
			return invalidStatus(e, "release a milestone of")
		}
		m, err := findMilestone(e, milestoneID)
		if err != nil {
			return err
		}
		if m.Status != MilestoneCompleted {
			return fmt.Errorf("%w: milestone is %s", ErrInvalidStatus, m.Status)
		}
		if s.opts.StrictMilestoneOrder && !earlierAtLeast(e, m, MilestoneReleased) {
			return ErrMilestoneOrder
		}
		if m.AmountCents > e.RemainingCents() {
			return fmt.Errorf("%w: milestone %d exceeds remaining %d", ErrMilestoneSum, m.AmountCents, e.RemainingCents())
		}

		b, err := s.payout(ctx, e, m.AmountCents)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		m.Status = MilestoneReleased
		m.ReleasedAt = &now
		m.FeeCents = b.FeeCents
		if err := s.store.UpdateMilestone(ctx, m); err != nil {
			return err
		}

		for _, other := range e.Milestones {
			if other.Status != MilestoneReleased {
				e.UpdatedAt = now
				if err := s.store.Update(ctx, e); err != nil {
					return err
				}
				s.emit(ctx, "escrow.milestone_released", e)
				return nil
			}
		}
		return s.finish(ctx, e, StatusReleased)
	})
	if err != nil {
		traces.RecordError(span, err)
	}
	return e, err
}

// milestoneWorkable: milestones progress once funded, in any pre-release
// fulfilment state, and never while disputed.
func milestoneWorkable(e *Escrow) bool {
	if !e.hasMilestones() {
		return false
	}
	switch e.Status {
	case StatusFunded, StatusShipped, StatusDelivered, StatusAwaitingRelease:
		return true
	}
	return false
}

// earlierAtLeast reports whether every milestone sequenced before m has
// reached at least the given status.
func earlierAtLeast(e *Escrow, m *Milestone, min MilestoneStatus) bool {
	rank := map[MilestoneStatus]int{MilestonePending: 0, MilestoneCompleted: 1, MilestoneReleased: 2}
	for _, other := range e.Milestones {
		if other.Sequence < m.Sequence && rank[other.Status] < rank[min] {
			return false
		}
	}
	return true
}
