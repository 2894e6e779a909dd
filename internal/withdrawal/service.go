package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/idgen"
	"github.com/holdfast/holdfast/internal/ledger"
	"github.com/holdfast/holdfast/internal/logging"
	"github.com/holdfast/holdfast/internal/metrics"
	"github.com/holdfast/holdfast/internal/pagination"
	"github.com/holdfast/holdfast/internal/syncutil"
	"github.com/holdfast/holdfast/internal/traces"
	"github.com/holdfast/holdfast/internal/txn"
	"github.com/holdfast/holdfast/internal/validation"
)

const (
	maxDetails      = 10
	maxDetailLength = 200
)

// Service implements the withdrawal pipeline.
type Service struct {
	store    Store
	ledger   *ledger.Ledger
	tx       txn.Runner
	locker   *syncutil.Locker
	feeCents int64
	kyc      KYCChecker
	notifier Notifier
}

// NewService creates a withdrawal service charging feeCents per withdrawal.
func NewService(store Store, l *ledger.Ledger, tx txn.Runner, locker *syncutil.Locker, feeCents int64) *Service {
	return &Service{store: store, ledger: l, tx: tx, locker: locker, feeCents: feeCents}
}

// WithKYC requires verified identity before withdrawing.
func (s *Service) WithKYC(k KYCChecker) *Service {
	s.kyc = k
	return s
}

// WithNotifier streams committed withdrawal events to their owner.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func validateMethod(method MethodType, details map[string]string) (map[string]string, error) {
	if len(details) > maxDetails {
		return nil, apperr.Validationf("too many methodDetails")
	}
	clean := make(map[string]string, len(details))
	for k, v := range details {
		clean[validation.SanitizeString(k, 50)] = validation.SanitizeString(v, maxDetailLength)
	}

	var errs validation.ValidationErrors
	switch method {
	case MethodMobileMoney:
		clean["phone"] = validation.NormalizePhone(clean["phone"])
		errs = validation.Validate(validation.Phone("methodDetails.phone", clean["phone"]))
	case MethodBankTransfer:
		errs = validation.Validate(
			validation.Required("methodDetails.accountNumber", clean["accountNumber"]),
			validation.Required("methodDetails.bankCode", clean["bankCode"]),
		)
	default:
		return nil, ErrInvalidMethod
	}
	if len(errs) > 0 {
		return nil, apperr.Wrap(apperr.KindValidation, errs, "")
	}
	return clean, nil
}

// Request holds amount plus the withdrawal fee on the caller's wallet and
// records a REQUESTED withdrawal.
func (s *Service) Request(ctx context.Context, actor auth.Actor, req Request) (*Withdrawal, error) {
	if errs := validation.Validate(validation.PositiveCents("amountCents", req.AmountCents)); len(errs) > 0 {
		return nil, apperr.Wrap(apperr.KindValidation, errs, "")
	}
	details, err := validateMethod(req.MethodType, req.MethodDetails)
	if err != nil {
		return nil, err
	}

	var wallet *ledger.Wallet
	if req.WalletID != "" {
		wallet, err = s.ledger.Wallet(ctx, req.WalletID)
		if err == nil && wallet.OwnerID != actor.UserID {
			err = ledger.ErrNotOwner
		}
	} else {
		wallet, err = s.ledger.WalletFor(ctx, actor.UserID, req.Currency)
	}
	if err != nil {
		return nil, err
	}

	if s.kyc != nil {
		if err := s.kyc.RequireVerified(ctx, actor.UserID); err != nil {
			return nil, err
		}
	}

	ctx, span := traces.StartSpan(ctx, "withdrawal.request", traces.WalletID(wallet.ID), traces.AmountCents(req.AmountCents))
	defer span.End()

	now := time.Now().UTC()
	wd := &Withdrawal{
		ID:            idgen.WithPrefix("wd_"),
		WalletID:      wallet.ID,
		UserID:        actor.UserID,
		Currency:      wallet.Currency,
		AmountCents:   req.AmountCents,
		FeeCents:      s.feeCents,
		MethodType:    req.MethodType,
		MethodDetails: details,
		Status:        StatusRequested,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	ctx, unlock, err := s.locker.Acquire(ctx, syncutil.WithdrawalKey(wd.ID), syncutil.WalletKey(wallet.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.ledger.LockForUpdate(ctx, wallet.ID); err != nil {
			return err
		}
		if _, err := s.ledger.Hold(ctx, wallet.ID, wd.HeldCents(), ledger.Posting{
			WithdrawalID: wd.ID,
			Description:  fmt.Sprintf("withdrawal to %s", wd.MethodType),
		}); err != nil {
			return err
		}
		if err := s.store.Create(ctx, wd); err != nil {
			return err
		}
		txn.AfterCommit(ctx, func() { metrics.WithdrawalsTotal.WithLabelValues(string(StatusRequested)).Inc() })
		s.emit(ctx, "withdrawal.requested", wd)
		return nil
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	logging.L(ctx).Info("withdrawal requested", "withdrawalId", wd.ID, "walletId", wd.WalletID,
		"amountCents", wd.AmountCents, "feeCents", wd.FeeCents, "method", wd.MethodType)
	return wd, nil
}

// Get returns a withdrawal to its owner or an admin.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (*Withdrawal, error) {
	wd, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wd.UserID != actor.UserID && !actor.IsAdmin() {
		return nil, ErrUnauthorized
	}
	return wd, nil
}

// List returns the caller's withdrawals, newest first.
func (s *Service) List(ctx context.Context, actor auth.Actor, cursor string, limit int) ([]*Withdrawal, string, error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", apperr.Validationf(err.Error())
	}
	items, err := s.store.ListByUser(ctx, actor.UserID, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(w *Withdrawal) (time.Time, string) {
		return w.CreatedAt, w.ID
	})
	return page, next, nil
}

// Pending lists withdrawals awaiting processing. Admin only.
func (s *Service) Pending(ctx context.Context, actor auth.Actor, limit int) ([]*Withdrawal, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	return s.store.ListByStatus(ctx, StatusRequested, limit)
}

// PendingByCurrency sums the holds of unprocessed withdrawals.
func (s *Service) PendingByCurrency(ctx context.Context) (map[string]int64, error) {
	return s.store.PendingByCurrency(ctx)
}

// Process settles a REQUESTED withdrawal. Admin only. Success consumes the
// hold and credits the fee to the platform; failure returns the hold to
// the wallet and requires a reason.
func (s *Service) Process(ctx context.Context, actor auth.Actor, id string, req ProcessRequest) (*Withdrawal, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	wd, _, err := s.process(ctx, id, req.Succeeded, req.Reason, actor.UserID, false)
	return wd, err
}

// HandlePayout applies the payout provider's callback. Repeating an outcome
// already applied is a no-op; contradicting it is an error.
func (s *Service) HandlePayout(ctx context.Context, ev PayoutEvent) (*Withdrawal, bool, error) {
	var succeeded bool
	switch ev.Status {
	case StatusSucceeded:
		succeeded = true
	case StatusFailed:
	default:
		return nil, false, apperr.Validationf("status must be SUCCEEDED or FAILED")
	}
	by := "payout"
	if ev.Reference != "" {
		by = "payout:" + validation.SanitizeString(ev.Reference, 100)
	}
	return s.process(ctx, ev.WithdrawalID, succeeded, ev.Reason, by, true)
}

// process returns the withdrawal and whether this call changed it. With
// replay, a withdrawal already in the requested outcome is returned
// unchanged instead of failing.
func (s *Service) process(ctx context.Context, id string, succeeded bool, reason, by string, replay bool) (*Withdrawal, bool, error) {
	reason = validation.SanitizeString(reason, 500)
	if !succeeded && reason == "" {
		return nil, false, ErrReasonRequired
	}

	ctx, span := traces.StartSpan(ctx, "withdrawal.process", traces.WithdrawalID(id))
	defer span.End()

	snapshot, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	platform, err := s.ledger.PlatformWallet(ctx, snapshot.Currency)
	if err != nil {
		return nil, false, err
	}

	ctx, unlock, err := s.locker.Acquire(ctx,
		syncutil.WithdrawalKey(id), syncutil.WalletKey(snapshot.WalletID), syncutil.WalletKey(platform.ID))
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	var (
		out     *Withdrawal
		changed bool
	)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		wd, err := s.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		want := StatusFailed
		if succeeded {
			want = StatusSucceeded
		}
		if wd.Status != StatusRequested {
			if replay && wd.Status == want {
				out = wd
				return nil
			}
			return fmt.Errorf("%w: withdrawal is %s", ErrInvalidStatus, wd.Status)
		}
		if err := s.ledger.LockForUpdate(ctx, wd.WalletID, platform.ID); err != nil {
			return err
		}

		p := ledger.Posting{WithdrawalID: wd.ID, Description: fmt.Sprintf("withdrawal to %s", wd.MethodType)}
		if succeeded {
			if err := s.ledger.SettleHold(ctx, wd.WalletID, wd.HeldCents(), p); err != nil {
				return err
			}
			if wd.FeeCents > 0 {
				if _, err := s.ledger.Credit(ctx, platform.ID, wd.FeeCents, ledger.Posting{
					WithdrawalID: wd.ID,
					Description:  "withdrawal fee",
				}); err != nil {
					return err
				}
				currency, fee := wd.Currency, wd.FeeCents
				txn.AfterCommit(ctx, func() {
					metrics.FeesCollectedCents.WithLabelValues(currency, "withdrawal").Add(float64(fee))
				})
			}
		} else {
			p.Description = "withdrawal failed: " + reason
			if _, err := s.ledger.ReleaseHold(ctx, wd.WalletID, wd.HeldCents(), p); err != nil {
				return err
			}
			wd.FailureReason = reason
		}

		now := time.Now().UTC()
		wd.Status = want
		wd.ProcessedBy = by
		wd.ProcessedAt = &now
		wd.UpdatedAt = now
		if err := s.store.Update(ctx, wd); err != nil {
			return err
		}
		txn.AfterCommit(ctx, func() {
			metrics.WithdrawalsTotal.WithLabelValues(string(want)).Inc()
			logging.L(ctx).Info("withdrawal processed", "withdrawalId", wd.ID, "status", want, "by", by)
		})
		event := "withdrawal.failed"
		if succeeded {
			event = "withdrawal.succeeded"
		}
		s.emit(ctx, event, wd)
		out, changed = wd, true
		return nil
	})
	if err != nil {
		traces.RecordError(span, err)
		if !errors.Is(err, apperr.InvalidStateTransition) {
			logging.L(ctx).Warn("withdrawal processing failed", "withdrawalId", id, "error", err)
		}
		return nil, false, err
	}
	return out, changed, nil
}

func (s *Service) emit(ctx context.Context, eventType string, wd *Withdrawal) {
	if s.notifier == nil {
		return
	}
	snapshot := *wd
	txn.AfterCommit(ctx, func() {
		s.notifier.Notify(eventType, []string{wd.UserID}, &snapshot)
	})
}
