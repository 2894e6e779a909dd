// Package topup credits wallets from Stripe payment confirmations.
package topup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/ledger"
	"github.com/holdfast/holdfast/internal/logging"
	"github.com/holdfast/holdfast/internal/users"
)

// MetadataUserID is the PaymentIntent metadata key naming the wallet owner.
const MetadataUserID = "user_id"

var (
	ErrMissingUser    = apperr.New(apperr.KindValidation, "payment intent has no user_id metadata")
	ErrMissingAmount  = apperr.New(apperr.KindValidation, "payment intent has no received amount")
	ErrMalformedEvent = apperr.New(apperr.KindValidation, "malformed payment intent payload")
)

// UserLookup resolves the wallet owner named in the payment metadata.
type UserLookup interface {
	Get(ctx context.Context, id string) (*users.User, error)
}

// Notifier pushes balance changes to connected clients.
type Notifier interface {
	Notify(eventType string, audience []string, payload interface{})
}

// Result is the outcome of one webhook delivery.
type Result struct {
	Entry     *ledger.Entry `json:"entry,omitempty"`
	Duplicate bool          `json:"duplicate"`
	Ignored   bool          `json:"ignored"`
}

// Service applies top-ups to the ledger.
type Service struct {
	ledger   *ledger.Ledger
	users    UserLookup
	notifier Notifier
}

// NewService creates a top-up service.
func NewService(l *ledger.Ledger, users UserLookup) *Service {
	return &Service{ledger: l, users: users}
}

// WithNotifier sets the realtime notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// HandleEvent credits the wallet for a payment_intent.succeeded event at
// most once per payment intent. Other event types are acknowledged and
// ignored.
func (s *Service) HandleEvent(ctx context.Context, ev stripe.Event) (*Result, error) {
	if ev.Type != stripe.EventTypePaymentIntentSucceeded {
		return &Result{Ignored: true}, nil
	}
	if ev.Data == nil {
		return nil, ErrMalformedEvent
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "malformed payment intent payload")
	}
	if pi.ID == "" {
		return nil, ErrMalformedEvent
	}

	userID := strings.TrimSpace(pi.Metadata[MetadataUserID])
	if userID == "" {
		return nil, ErrMissingUser
	}
	amount := pi.AmountReceived
	if amount <= 0 {
		amount = pi.Amount
	}
	if amount <= 0 {
		return nil, ErrMissingAmount
	}
	currency := strings.ToUpper(string(pi.Currency))

	if s.users != nil {
		if _, err := s.users.Get(ctx, userID); err != nil {
			return nil, err
		}
	}

	entry, duplicate, err := s.ledger.ExternalCredit(ctx, userID, currency, amount, pi.ID, fmt.Sprintf("Top-up %s", pi.ID))
	if err != nil {
		return nil, err
	}

	log := logging.L(ctx).With("paymentIntent", pi.ID, "userId", userID)
	if duplicate {
		log.Info("duplicate top-up ignored")
	} else {
		log.Info("wallet topped up", "amountCents", amount, "currency", currency)
		if s.notifier != nil {
			s.notifier.Notify("wallet.topped_up", []string{userID}, entry)
		}
	}
	return &Result{Entry: entry, Duplicate: duplicate}, nil
}
