// Package fees computes platform fees on escrow releases and stores the
// admin-configurable fee policy.
package fees

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/holdfast/holdfast/internal/apperr"
)

// Payer attributes who bears the fee. The fee itself is always taken out
// of the escrowed amount; attribution only affects reporting and receipts.
type Payer string

const (
	PayerBuyer  Payer = "buyer"
	PayerSeller Payer = "seller"
	PayerSplit  Payer = "split"
)

var (
	ErrInvalidPolicy = apperr.New(apperr.KindValidation, "invalid fee policy")
	ErrNotFound      = apperr.New(apperr.KindNotFound, "fee policy not found")
)

var hundred = decimal.NewFromInt(100)

// Policy is the active fee configuration.
type Policy struct {
	Percent    decimal.Decimal `json:"percent"`
	FixedCents int64           `json:"fixedCents"`
	Payer      Payer           `json:"payer"`
	UpdatedBy  string          `json:"updatedBy,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Validate checks the policy's bounds.
func (p Policy) Validate() error {
	if p.Percent.IsNegative() || p.Percent.GreaterThan(hundred) {
		return fmt.Errorf("%w: percent must be between 0 and 100", ErrInvalidPolicy)
	}
	if p.FixedCents < 0 {
		return fmt.Errorf("%w: fixed fee must not be negative", ErrInvalidPolicy)
	}
	switch p.Payer {
	case PayerBuyer, PayerSeller, PayerSplit:
	default:
		return fmt.Errorf("%w: payer must be buyer, seller or split", ErrInvalidPolicy)
	}
	return nil
}

// Breakdown is the result of applying a policy to an amount.
type Breakdown struct {
	GrossCents       int64 `json:"grossCents"`
	FeeCents         int64 `json:"feeCents"`
	NetCents         int64 `json:"netCents"`
	BuyerShareCents  int64 `json:"buyerShareCents"`
	SellerShareCents int64 `json:"sellerShareCents"`
}

// Compute applies the policy to amountCents. The percentage part is taken
// first and rounded half-up to a whole cent, then the fixed fee is added
// when includeFixed is set; the total is capped at the amount so the payee
// never receives a negative sum.
func (p Policy) Compute(amountCents int64, includeFixed bool) Breakdown {
	if amountCents <= 0 {
		return Breakdown{GrossCents: amountCents, NetCents: amountCents}
	}

	pct := decimal.NewFromInt(amountCents).Mul(p.Percent).Div(hundred).Round(0).IntPart()
	fee := pct
	if includeFixed {
		fee += p.FixedCents
	}
	fee = min(fee, amountCents)

	b := Breakdown{
		GrossCents: amountCents,
		FeeCents:   fee,
		NetCents:   amountCents - fee,
	}
	switch p.Payer {
	case PayerSeller:
		b.SellerShareCents = fee
	case PayerSplit:
		b.BuyerShareCents = fee / 2
		b.SellerShareCents = fee - b.BuyerShareCents
	default:
		b.BuyerShareCents = fee
	}
	return b
}

// Store persists the single active policy.
type Store interface {
	Get(ctx context.Context) (*Policy, error)
	Put(ctx context.Context, p *Policy) error
}

// Service resolves the active policy, falling back to the configured
// default until an admin stores one.
type Service struct {
	store    Store
	fallback Policy
}

// NewService creates a fee service.
func NewService(store Store, fallback Policy) *Service {
	return &Service{store: store, fallback: fallback}
}

// Current returns the active policy.
func (s *Service) Current(ctx context.Context) (Policy, error) {
	p, err := s.store.Get(ctx)
	if errors.Is(err, ErrNotFound) {
		return s.fallback, nil
	}
	if err != nil {
		return Policy{}, err
	}
	return *p, nil
}

// Update validates and stores a new policy.
func (s *Service) Update(ctx context.Context, p Policy, adminID string) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	p.UpdatedBy = adminID
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, &p); err != nil {
		return Policy{}, err
	}
	return p, nil
}
