// Package withdrawal moves wallet balance out to a mobile money account or
// bank. A request holds amount plus fee on the wallet; an admin or the
// payout provider's callback then settles the hold (SUCCEEDED) or returns
// it (FAILED).
package withdrawal

import (
	"context"
	"time"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/pagination"
)

var (
	ErrWithdrawalNotFound = apperr.New(apperr.KindNotFound, "withdrawal not found")
	ErrInvalidStatus      = apperr.New(apperr.KindInvalidStateTransition, "withdrawal already processed")
	ErrUnauthorized       = apperr.New(apperr.KindUnauthorized, "not authorized for this withdrawal")
	ErrReasonRequired     = apperr.New(apperr.KindValidation, "a failure reason is required")
	ErrInvalidMethod      = apperr.New(apperr.KindValidation, "methodType must be MOBILE_MONEY or BANK_TRANSFER")
)

// Status is the lifecycle state of a withdrawal.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// MethodType is the payout rail.
type MethodType string

const (
	MethodMobileMoney  MethodType = "MOBILE_MONEY"
	MethodBankTransfer MethodType = "BANK_TRANSFER"
)

// Withdrawal is a request to pay wallet funds out.
type Withdrawal struct {
	ID            string            `json:"id"`
	WalletID      string            `json:"walletId"`
	UserID        string            `json:"userId"`
	Currency      string            `json:"currency"`
	AmountCents   int64             `json:"amountCents"`
	FeeCents      int64             `json:"feeCents"`
	MethodType    MethodType        `json:"methodType"`
	MethodDetails map[string]string `json:"methodDetails,omitempty"`
	Status        Status            `json:"status"`
	FailureReason string            `json:"failureReason,omitempty"`
	ProcessedBy   string            `json:"processedBy,omitempty"`
	ProcessedAt   *time.Time        `json:"processedAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// HeldCents is what the request holds on the wallet.
func (w *Withdrawal) HeldCents() int64 {
	return w.AmountCents + w.FeeCents
}

// Store persists withdrawals.
type Store interface {
	Create(ctx context.Context, w *Withdrawal) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	GetForUpdate(ctx context.Context, id string) (*Withdrawal, error)
	Update(ctx context.Context, w *Withdrawal) error
	ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Withdrawal, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error)
	PendingByCurrency(ctx context.Context) (map[string]int64, error)
}

// KYCChecker gates withdrawals on identity verification.
type KYCChecker interface {
	RequireVerified(ctx context.Context, userID string) error
}

// Notifier receives committed withdrawal events.
type Notifier interface {
	Notify(eventType string, audience []string, payload interface{})
}

// Request asks for a payout. WalletID may be omitted in favour of Currency,
// selecting the caller's wallet in that currency.
type Request struct {
	WalletID      string            `json:"walletId"`
	Currency      string            `json:"currency"`
	AmountCents   int64             `json:"amountCents" binding:"required"`
	MethodType    MethodType        `json:"methodType" binding:"required"`
	MethodDetails map[string]string `json:"methodDetails"`
}

// ProcessRequest is an admin's or the provider's verdict.
type ProcessRequest struct {
	Succeeded bool   `json:"succeeded"`
	Reason    string `json:"reason"`
}

// PayoutEvent is the payout provider's callback body.
type PayoutEvent struct {
	WithdrawalID string `json:"withdrawalId" binding:"required"`
	Status       Status `json:"status" binding:"required"`
	Reason       string `json:"reason"`
	Reference    string `json:"reference"`
}
