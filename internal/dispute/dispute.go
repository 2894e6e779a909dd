// Package dispute freezes a funded escrow while its parties argue it out and
// settles it when an admin decides.
//
// Flow:
//  1. The buyer or seller opens a dispute on a FUNDED, SHIPPED, DELIVERED or
//     AWAITING_RELEASE escrow; the escrow becomes DISPUTED
//  2. The dispute climbs OPEN -> NEGOTIATION -> MEDIATION -> ARBITRATION,
//     either when a stage's SLA deadline passes or when an admin escalates
//  3. An admin resolves it (RELEASE_TO_SELLER, REFUND_TO_BUYER or SPLIT),
//     which settles the escrow's remaining hold, or closes it, which hands
//     the escrow back in its pre-dispute status
//
// Escrow changes go through escrow.Service.Transact so the dispute record,
// the escrow and the ledger entries commit together.
package dispute

import (
	"context"
	"time"

	"github.com/holdfast/holdfast/internal/apperr"
)

var (
	ErrDisputeNotFound = apperr.New(apperr.KindNotFound, "dispute not found")
	ErrActiveDispute   = apperr.New(apperr.KindInvalidStateTransition, "escrow already has an active dispute")
	ErrInvalidStatus   = apperr.New(apperr.KindInvalidStateTransition, "invalid dispute status for this operation")
	ErrUnauthorized    = apperr.New(apperr.KindUnauthorized, "not authorized for this dispute")
	ErrInvalidOutcome  = apperr.New(apperr.KindValidation, "outcome must be RELEASE_TO_SELLER, REFUND_TO_BUYER or SPLIT")
	ErrInvalidSplit    = apperr.New(apperr.KindValidation, "buyerRefundCents must be within the escrow's remaining amount")
)

// Status is the stage of a dispute.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusNegotiation Status = "NEGOTIATION"
	StatusMediation   Status = "MEDIATION"
	StatusArbitration Status = "ARBITRATION"
	StatusResolved    Status = "RESOLVED"
	StatusClosed      Status = "CLOSED"
)

// ActiveStatuses are the stages in which the escrow stays frozen.
var ActiveStatuses = []Status{StatusOpen, StatusNegotiation, StatusMediation, StatusArbitration}

// Active reports whether the dispute still holds its escrow.
func (s Status) Active() bool {
	switch s {
	case StatusOpen, StatusNegotiation, StatusMediation, StatusArbitration:
		return true
	}
	return false
}

// next is the stage an escalation moves to. ARBITRATION is the last one.
func (s Status) next() (Status, bool) {
	switch s {
	case StatusOpen:
		return StatusNegotiation, true
	case StatusNegotiation:
		return StatusMediation, true
	case StatusMediation:
		return StatusArbitration, true
	}
	return "", false
}

// Outcome is how a resolved dispute disposes of the escrow's funds.
type Outcome string

const (
	OutcomeReleaseToSeller Outcome = "RELEASE_TO_SELLER"
	OutcomeRefundToBuyer   Outcome = "REFUND_TO_BUYER"
	OutcomeSplit           Outcome = "SPLIT"
)

// Dispute is a disagreement over one escrow.
type Dispute struct {
	ID               string     `json:"id"`
	EscrowID         string     `json:"escrowId"`
	BuyerID          string     `json:"buyerId"`
	SellerID         string     `json:"sellerId"`
	OpenedBy         string     `json:"openedBy"`
	Reason           string     `json:"reason"`
	Status           Status     `json:"status"`
	Outcome          Outcome    `json:"outcome,omitempty"`
	BuyerRefundCents int64      `json:"buyerRefundCents"`
	ResolutionNotes  string     `json:"resolutionNotes,omitempty"`
	ResolvedBy       string     `json:"resolvedBy,omitempty"`
	StageDeadline    *time.Time `json:"stageDeadline,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt         *time.Time `json:"closedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	Messages         []*Message `json:"messages,omitempty"`
}

// IsParty reports whether userID is the buyer or the seller.
func (d *Dispute) IsParty(userID string) bool {
	return userID != "" && (userID == d.BuyerID || userID == d.SellerID)
}

// Message is an immutable entry in a dispute's conversation.
type Message struct {
	ID        string    `json:"id"`
	DisputeID string    `json:"disputeId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	IsSystem  bool      `json:"isSystem"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists disputes and their messages.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetForUpdate(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	GetActiveByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	ListByParty(ctx context.Context, userID string, limit int) ([]*Dispute, error)
	ListActive(ctx context.Context, limit int) ([]*Dispute, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error)

	AddMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, disputeID string) ([]*Message, error)
}

// SLA is how long each stage may last before the timer escalates it. A
// zero duration leaves that stage to manual escalation.
type SLA struct {
	Open        time.Duration
	Negotiation time.Duration
	Mediation   time.Duration
}

// DefaultSLA gives each party two days per stage.
func DefaultSLA() SLA {
	return SLA{Open: 48 * time.Hour, Negotiation: 48 * time.Hour, Mediation: 48 * time.Hour}
}

func (s SLA) deadline(st Status, from time.Time) *time.Time {
	var d time.Duration
	switch st {
	case StatusOpen:
		d = s.Open
	case StatusNegotiation:
		d = s.Negotiation
	case StatusMediation:
		d = s.Mediation
	}
	if d <= 0 {
		return nil
	}
	t := from.Add(d).UTC()
	return &t
}

// OpenRequest opens a dispute.
type OpenRequest struct {
	EscrowID string `json:"escrowId" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// ResolveRequest is an admin's decision.
type ResolveRequest struct {
	Outcome          Outcome `json:"outcome" binding:"required"`
	BuyerRefundCents int64   `json:"buyerRefundCents"`
	Notes            string  `json:"notes"`
}
