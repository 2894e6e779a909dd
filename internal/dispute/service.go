package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/escrow"
	"github.com/holdfast/holdfast/internal/idgen"
	"github.com/holdfast/holdfast/internal/logging"
	"github.com/holdfast/holdfast/internal/metrics"
	"github.com/holdfast/holdfast/internal/syncutil"
	"github.com/holdfast/holdfast/internal/traces"
	"github.com/holdfast/holdfast/internal/txn"
	"github.com/holdfast/holdfast/internal/validation"
)

const maxMessageLength = 2000

var errNotDue = errors.New("dispute: stage deadline not reached")

// Service implements dispute business logic.
type Service struct {
	store    Store
	escrows  *escrow.Service
	tx       txn.Runner
	locker   *syncutil.Locker
	sla      SLA
	notifier escrow.Notifier
	now      func() time.Time
}

// NewService creates a new dispute service.
func NewService(store Store, escrows *escrow.Service, tx txn.Runner, locker *syncutil.Locker, sla SLA) *Service {
	return &Service{
		store:   store,
		escrows: escrows,
		tx:      tx,
		locker:  locker,
		sla:     sla,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithNotifier streams committed dispute events to the parties.
func (s *Service) WithNotifier(n escrow.Notifier) *Service {
	s.notifier = n
	return s
}

// Open disputes an escrow on behalf of its buyer or seller and freezes it.
func (s *Service) Open(ctx context.Context, actor auth.Actor, req OpenRequest) (*Dispute, error) {
	reason := validation.SanitizeString(req.Reason, maxMessageLength)
	if req.EscrowID == "" || reason == "" {
		return nil, apperr.Validationf("escrowId and reason are required")
	}

	ctx, span := traces.StartSpan(ctx, "dispute.open", traces.EscrowID(req.EscrowID))
	defer span.End()

	var d *Dispute
	_, err := s.escrows.Transact(ctx, req.EscrowID, func(ctx context.Context, e *escrow.Escrow) error {
		if !e.IsParty(actor.UserID) {
			return ErrUnauthorized
		}
		if _, err := s.store.GetActiveByEscrow(ctx, e.ID); err == nil {
			return ErrActiveDispute
		} else if !errors.Is(err, ErrDisputeNotFound) {
			return err
		}
		if err := s.escrows.Freeze(ctx, e); err != nil {
			return err
		}

		now := s.now()
		d = &Dispute{
			ID:            idgen.WithPrefix("dsp_"),
			EscrowID:      e.ID,
			BuyerID:       e.BuyerID,
			SellerID:      e.SellerID,
			OpenedBy:      actor.UserID,
			Reason:        reason,
			Status:        StatusOpen,
			StageDeadline: s.sla.deadline(StatusOpen, now),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.store.Create(ctx, d); err != nil {
			return err
		}
		role := "seller"
		if actor.UserID == e.BuyerID {
			role = "buyer"
		}
		if err := s.systemMessage(ctx, d, fmt.Sprintf("Dispute opened by the %s: %s", role, reason)); err != nil {
			return err
		}
		txn.AfterCommit(ctx, func() { metrics.DisputesOpenedTotal.Inc() })
		s.emit(ctx, "dispute.opened", d)
		return nil
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	logging.L(ctx).Info("dispute opened", "disputeId", d.ID, "escrowId", d.EscrowID, "openedBy", d.OpenedBy)
	return d, nil
}

// Get returns a dispute with its messages. Parties and admins only.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.IsParty(actor.UserID) && !actor.IsAdmin() {
		return nil, ErrUnauthorized
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Messages = msgs
	return d, nil
}

// List returns the caller's disputes, or every active dispute for admins.
func (s *Service) List(ctx context.Context, actor auth.Actor, limit int) ([]*Dispute, error) {
	if actor.IsAdmin() {
		return s.store.ListActive(ctx, limit)
	}
	return s.store.ListByParty(ctx, actor.UserID, limit)
}

// PostMessage appends a party's or an admin's message to an active dispute.
// The status is checked under the escrow lock, so a message never lands
// after a concurrent Resolve or Close.
func (s *Service) PostMessage(ctx context.Context, actor auth.Actor, id, content string) (*Message, error) {
	content = validation.SanitizeString(content, maxMessageLength)
	if content == "" {
		return nil, apperr.Validationf("content is required")
	}
	snapshot, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !snapshot.IsParty(actor.UserID) && !actor.IsAdmin() {
		return nil, ErrUnauthorized
	}

	ctx, unlock, err := s.locker.Acquire(ctx, syncutil.EscrowKey(snapshot.EscrowID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var m *Message
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		d, err := s.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !d.Status.Active() {
			return fmt.Errorf("%w: dispute is %s", ErrInvalidStatus, d.Status)
		}
		m = &Message{
			ID:        idgen.WithPrefix("dmsg_"),
			DisputeID: d.ID,
			SenderID:  actor.UserID,
			Content:   content,
			CreatedAt: s.now(),
		}
		if err := s.store.AddMessage(ctx, m); err != nil {
			return err
		}
		s.emit(ctx, "dispute.message", d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Escalate moves an active dispute to its next stage. Admin only.
func (s *Service) Escalate(ctx context.Context, actor auth.Actor, id string) (*Dispute, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	return s.advance(ctx, id, "manual", time.Time{})
}

// EscalateDue escalates every dispute whose stage deadline has passed by now
// and returns how many moved. Used by Timer.
func (s *Service) EscalateDue(ctx context.Context, now time.Time) int {
	due, err := s.store.ListDue(ctx, now, 100)
	if err != nil {
		logging.L(ctx).Warn("failed to list overdue disputes", "error", err)
		return 0
	}
	n := 0
	for _, d := range due {
		if _, err := s.advance(ctx, d.ID, "sla", now); err != nil {
			// Resolved, closed or escalated since the listing.
			logging.L(ctx).Debug("skipping overdue dispute", "disputeId", d.ID, "error", err)
			continue
		}
		n++
	}
	return n
}

// advance escalates one stage. With a non-zero dueBy the dispute only moves
// if its deadline has passed by then.
func (s *Service) advance(ctx context.Context, id, trigger string, dueBy time.Time) (*Dispute, error) {
	snapshot, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx, unlock, err := s.locker.Acquire(ctx, syncutil.EscrowKey(snapshot.EscrowID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var d *Dispute
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		cur, err := s.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, ok := cur.Status.next()
		if !ok {
			return fmt.Errorf("%w: cannot escalate a dispute in %s", ErrInvalidStatus, cur.Status)
		}
		if !dueBy.IsZero() && (cur.StageDeadline == nil || cur.StageDeadline.After(dueBy)) {
			return errNotDue
		}

		now := s.now()
		from := cur.Status
		cur.Status = next
		cur.StageDeadline = s.sla.deadline(next, now)
		cur.UpdatedAt = now
		if err := s.store.Update(ctx, cur); err != nil {
			return err
		}
		text := fmt.Sprintf("Dispute escalated from %s to %s by an administrator", from, next)
		if trigger == "sla" {
			text = fmt.Sprintf("Dispute escalated from %s to %s: the %s deadline passed", from, next, from)
		}
		if err := s.systemMessage(ctx, cur, text); err != nil {
			return err
		}
		txn.AfterCommit(ctx, func() {
			metrics.DisputeEscalationsTotal.WithLabelValues(string(next), trigger).Inc()
			logging.L(ctx).Info("dispute escalated", "disputeId", cur.ID, "from", from, "to", next, "trigger", trigger)
		})
		s.emit(ctx, "dispute.escalated", cur)
		d = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Resolve settles an active dispute's escrow by outcome. Admin only.
//
//	RELEASE_TO_SELLER: the remaining hold is paid to the seller, fee-adjusted
//	REFUND_TO_BUYER:   the remaining hold returns to the buyer, no fee
//	SPLIT:             buyerRefundCents to the buyer, the rest to the seller
func (s *Service) Resolve(ctx context.Context, actor auth.Actor, id string, req ResolveRequest) (*Dispute, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	switch req.Outcome {
	case OutcomeReleaseToSeller, OutcomeRefundToBuyer, OutcomeSplit:
	default:
		return nil, ErrInvalidOutcome
	}

	ctx, span := traces.StartSpan(ctx, "dispute.resolve", traces.DisputeID(id), traces.Status(string(req.Outcome)))
	defer span.End()

	snapshot, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var d *Dispute
	_, err = s.escrows.Transact(ctx, snapshot.EscrowID, func(ctx context.Context, e *escrow.Escrow) error {
		cur, err := s.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !cur.Status.Active() {
			return fmt.Errorf("%w: dispute is %s", ErrInvalidStatus, cur.Status)
		}

		remaining := e.RemainingCents()
		var refund int64
		switch req.Outcome {
		case OutcomeRefundToBuyer:
			refund = remaining
		case OutcomeSplit:
			if req.BuyerRefundCents < 0 || req.BuyerRefundCents > remaining {
				return fmt.Errorf("%w: %d outside 0..%d", ErrInvalidSplit, req.BuyerRefundCents, remaining)
			}
			refund = req.BuyerRefundCents
		}
		if err := s.escrows.Settle(ctx, e, refund); err != nil {
			return err
		}

		now := s.now()
		cur.Status = StatusResolved
		cur.Outcome = req.Outcome
		cur.BuyerRefundCents = refund
		cur.ResolutionNotes = validation.SanitizeString(req.Notes, maxMessageLength)
		cur.ResolvedBy = actor.UserID
		cur.ResolvedAt = &now
		cur.StageDeadline = nil
		cur.UpdatedAt = now
		if err := s.store.Update(ctx, cur); err != nil {
			return err
		}
		text := fmt.Sprintf("Dispute resolved: %s (refund %d, escrow %s)", req.Outcome, refund, e.Status)
		if cur.ResolutionNotes != "" {
			text += ". " + cur.ResolutionNotes
		}
		if err := s.systemMessage(ctx, cur, text); err != nil {
			return err
		}
		outcome := string(req.Outcome)
		txn.AfterCommit(ctx, func() { metrics.DisputeResolutionsTotal.WithLabelValues(outcome).Inc() })
		s.emit(ctx, "dispute.resolved", cur)
		d = cur
		return nil
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	logging.L(ctx).Info("dispute resolved", "disputeId", d.ID, "escrowId", d.EscrowID,
		"outcome", d.Outcome, "buyerRefundCents", d.BuyerRefundCents, "admin", actor.UserID)
	return d, nil
}

// Close ends an active dispute without moving funds; the escrow returns to
// its pre-dispute status. Admin only.
func (s *Service) Close(ctx context.Context, actor auth.Actor, id, notes string) (*Dispute, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	snapshot, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var d *Dispute
	_, err = s.escrows.Transact(ctx, snapshot.EscrowID, func(ctx context.Context, e *escrow.Escrow) error {
		cur, err := s.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !cur.Status.Active() {
			return fmt.Errorf("%w: dispute is %s", ErrInvalidStatus, cur.Status)
		}
		if err := s.escrows.Unfreeze(ctx, e); err != nil {
			return err
		}

		now := s.now()
		cur.Status = StatusClosed
		cur.ResolutionNotes = validation.SanitizeString(notes, maxMessageLength)
		cur.ResolvedBy = actor.UserID
		cur.ClosedAt = &now
		cur.StageDeadline = nil
		cur.UpdatedAt = now
		if err := s.store.Update(ctx, cur); err != nil {
			return err
		}
		if err := s.systemMessage(ctx, cur, fmt.Sprintf("Dispute closed; escrow returned to %s", e.Status)); err != nil {
			return err
		}
		txn.AfterCommit(ctx, func() { metrics.DisputeResolutionsTotal.WithLabelValues("CLOSED").Inc() })
		s.emit(ctx, "dispute.closed", cur)
		d = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("dispute closed", "disputeId", d.ID, "escrowId", d.EscrowID, "admin", actor.UserID)
	return d, nil
}

func (s *Service) systemMessage(ctx context.Context, d *Dispute, content string) error {
	return s.store.AddMessage(ctx, &Message{
		ID:        idgen.WithPrefix("dmsg_"),
		DisputeID: d.ID,
		SenderID:  auth.System.UserID,
		Content:   content,
		IsSystem:  true,
		CreatedAt: s.now(),
	})
}

func (s *Service) emit(ctx context.Context, eventType string, d *Dispute) {
	if s.notifier == nil {
		return
	}
	snapshot := *d
	snapshot.Messages = nil
	txn.AfterCommit(ctx, func() {
		s.notifier.Notify(eventType, []string{d.BuyerID, d.SellerID}, &snapshot)
	})
}
