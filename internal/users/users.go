// Package users manages accounts, phone verification and KYC status.
package users

import (
	"context"
	"time"

	"github.com/holdfast/holdfast/internal/apperr"
)

var (
	ErrUserNotFound    = apperr.New(apperr.KindNotFound, "user not found")
	ErrPhoneTaken      = apperr.New(apperr.KindDuplicateRequest, "phone number already registered")
	ErrInvalidCode     = apperr.New(apperr.KindValidation, "invalid verification code")
	ErrAlreadyVerified = apperr.New(apperr.KindInvalidStateTransition, "phone already verified")
	ErrKYCRequired     = apperr.New(apperr.KindUnauthorized, "identity verification required")
	ErrDuplicateKYC    = apperr.New(apperr.KindDuplicateRequest, "kyc result already recorded")
	ErrKYCNotFound     = apperr.New(apperr.KindNotFound, "kyc result not found")
	ErrInvalidRole     = apperr.New(apperr.KindValidation, "roles must be user or admin")
)

// KYCStatus is the identity verification state of a user.
type KYCStatus string

const (
	KYCPending  KYCStatus = "PENDING"
	KYCVerified KYCStatus = "VERIFIED"
	KYCRejected KYCStatus = "REJECTED"
)

// User is a registered account.
type User struct {
	ID            string    `json:"id"`
	Phone         string    `json:"phone"`
	DisplayName   string    `json:"displayName"`
	Roles         []string  `json:"roles"`
	KYCStatus     KYCStatus `json:"kycStatus"`
	KYCScore      float64   `json:"kycScore"`
	PhoneVerified bool      `json:"phoneVerified"`
	PhoneCodeHash string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// KYCResult is one scoring outcome from the identity provider.
type KYCResult struct {
	Reference  string    `json:"reference"`
	UserID     string    `json:"userId"`
	Passed     bool      `json:"passed"`
	Score      float64   `json:"score"`
	Status     KYCStatus `json:"status"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Store persists users and KYC results.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	Update(ctx context.Context, u *User) error
	CreateKYCResult(ctx context.Context, r *KYCResult) error
	GetKYCResult(ctx context.Context, reference string) (*KYCResult, error)
}

// CodeSender delivers phone verification codes.
type CodeSender interface {
	SendCode(ctx context.Context, phone, code string) error
}

// RegisterRequest creates an account.
type RegisterRequest struct {
	Phone       string `json:"phone" binding:"required"`
	DisplayName string `json:"displayName"`
}

// KYCEvent is the identity provider's webhook body.
type KYCEvent struct {
	Reference string  `json:"reference" binding:"required"`
	UserID    string  `json:"userId" binding:"required"`
	Passed    bool    `json:"passed"`
	Score     float64 `json:"score"`
}
