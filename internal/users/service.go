package users

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/idgen"
	"github.com/holdfast/holdfast/internal/logging"
	"github.com/holdfast/holdfast/internal/txn"
	"github.com/holdfast/holdfast/internal/validation"
)

const codeLength = 6

// BootstrapAdminID owns the key from ADMIN_API_KEY.
const BootstrapAdminID = "usr_bootstrap_admin"

// Service manages users.
type Service struct {
	store    Store
	keys     *auth.Manager
	tx       txn.Runner
	minScore float64
	sender   CodeSender
	bypass   string
}

// NewService creates a user service. KYC passes when the provider reports
// passed with a score of at least minScore.
func NewService(store Store, keys *auth.Manager, tx txn.Runner, minScore float64) *Service {
	return &Service{store: store, keys: keys, tx: tx, minScore: minScore}
}

// WithSender delivers verification codes through s.
func (s *Service) WithSender(sender CodeSender) *Service {
	s.sender = sender
	return s
}

// WithSMSBypass accepts code for any phone verification. Callers must only
// enable it outside production.
func (s *Service) WithSMSBypass(code string) *Service {
	s.bypass = code
	return s
}

func hashCode(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}

// Register creates a user, issues a phone verification code and returns the
// user's first API key. The raw key is never retrievable again.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, string, error) {
	phone := validation.NormalizePhone(req.Phone)
	name := validation.SanitizeString(req.DisplayName, 100)
	if errs := validation.Validate(validation.Phone("phone", phone)); len(errs) > 0 {
		return nil, "", apperr.Wrap(apperr.KindValidation, errs, "")
	}

	code := idgen.Code(codeLength)
	now := time.Now().UTC()
	u := &User{
		ID:            idgen.WithPrefix("usr_"),
		Phone:         phone,
		DisplayName:   name,
		Roles:         []string{auth.RoleUser},
		KYCStatus:     KYCPending,
		PhoneCodeHash: hashCode(code),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var rawKey string
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, u); err != nil {
			return err
		}
		var err error
		rawKey, _, err = s.keys.GenerateKey(ctx, u.ID, "default")
		return err
	})
	if err != nil {
		return nil, "", err
	}

	if s.sender != nil {
		if err := s.sender.SendCode(ctx, phone, code); err != nil {
			logging.L(ctx).Warn("failed to send verification code", "userId", u.ID, "error", err)
		}
	}
	logging.L(ctx).Info("user registered", "userId", u.ID)
	return u, rawKey, nil
}

// Me returns the caller's account.
func (s *Service) Me(ctx context.Context, actor auth.Actor) (*User, error) {
	return s.store.Get(ctx, actor.UserID)
}

// VerifyPhone checks the SMS code issued at registration. The development
// bypass code marks the phone verified and nothing else.
func (s *Service) VerifyPhone(ctx context.Context, actor auth.Actor, code string) (*User, error) {
	code = validation.SanitizeString(code, 20)
	if code == "" {
		return nil, ErrInvalidCode
	}

	var out *User
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		u, err := s.store.Get(ctx, actor.UserID)
		if err != nil {
			return err
		}
		if u.PhoneVerified {
			return ErrAlreadyVerified
		}

		bypassed := s.bypass != "" && subtle.ConstantTimeCompare([]byte(code), []byte(s.bypass)) == 1
		matched := u.PhoneCodeHash != "" &&
			subtle.ConstantTimeCompare([]byte(hashCode(code)), []byte(u.PhoneCodeHash)) == 1
		if !bypassed && !matched {
			return ErrInvalidCode
		}
		if bypassed {
			logging.L(ctx).Warn("phone verified with development bypass code", "userId", u.ID)
		}

		u.PhoneVerified = true
		u.PhoneCodeHash = ""
		u.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, u); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyKYC records a KYC provider result at most once per reference and
// sets the user's status. A repeated reference returns the user unchanged
// with applied=false.
func (s *Service) ApplyKYC(ctx context.Context, ev KYCEvent) (*User, bool, error) {
	if ev.Score < 0 || ev.Score > 1 {
		return nil, false, apperr.Validationf("score must be between 0 and 1")
	}

	status := KYCRejected
	if ev.Passed && ev.Score >= s.minScore {
		status = KYCVerified
	}

	var (
		out     *User
		applied bool
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		u, err := s.store.Get(ctx, ev.UserID)
		if err != nil {
			return err
		}
		prev, err := s.store.GetKYCResult(ctx, ev.Reference)
		switch {
		case err == nil:
			if prev.UserID != ev.UserID {
				return fmt.Errorf("%w: reference belongs to another user", ErrDuplicateKYC)
			}
			out = u
			return nil
		case !errors.Is(err, ErrKYCNotFound):
			return err
		}

		now := time.Now().UTC()
		if err := s.store.CreateKYCResult(ctx, &KYCResult{
			Reference:  ev.Reference,
			UserID:     ev.UserID,
			Passed:     ev.Passed,
			Score:      ev.Score,
			Status:     status,
			ReceivedAt: now,
		}); err != nil {
			return err
		}

		u.KYCStatus = status
		u.KYCScore = ev.Score
		u.UpdatedAt = now
		if err := s.store.Update(ctx, u); err != nil {
			return err
		}
		out, applied = u, true
		return nil
	})
	if errors.Is(err, ErrDuplicateKYC) {
		// A concurrent delivery of the same reference won the insert.
		if prev, perr := s.store.GetKYCResult(ctx, ev.Reference); perr == nil && prev.UserID == ev.UserID {
			if u, gerr := s.store.Get(ctx, ev.UserID); gerr == nil {
				return u, false, nil
			}
		}
	}
	if err != nil {
		return nil, false, err
	}
	if applied {
		logging.L(ctx).Info("kyc result applied", "userId", ev.UserID, "reference", ev.Reference, "status", status)
	}
	return out, applied, nil
}

// RequireVerified fails unless the user's KYC status is VERIFIED.
func (s *Service) RequireVerified(ctx context.Context, userID string) error {
	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	if u.KYCStatus != KYCVerified {
		return ErrKYCRequired
	}
	return nil
}

// RoleResolver resolves roles from the user store at authentication time.
type RoleResolver struct {
	Store Store
}

func (r RoleResolver) Roles(ctx context.Context, userID string) ([]string, error) {
	u, err := r.Store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return u.Roles, nil
}

// SetRoles replaces a user's roles. Admin only.
func (s *Service) SetRoles(ctx context.Context, actor auth.Actor, userID string, roles []string) (*User, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, ErrInvalidRole
	}
	for _, r := range roles {
		if r != auth.RoleUser && r != auth.RoleAdmin {
			return nil, ErrInvalidRole
		}
	}
	slices.Sort(roles)
	roles = slices.Compact(roles)

	var out *User
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		u, err := s.store.Get(ctx, userID)
		if err != nil {
			return err
		}
		u.Roles = roles
		u.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, u); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("user roles changed", "userId", userID, "roles", roles, "by", actor.UserID)
	return out, nil
}

// BootstrapAdmin creates the bootstrap admin user on first start and binds
// rawKey to it. Safe to call on every start.
func (s *Service) BootstrapAdmin(ctx context.Context, rawKey string) error {
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.Get(ctx, BootstrapAdminID); errors.Is(err, ErrUserNotFound) {
			now := time.Now().UTC()
			if err := s.store.Create(ctx, &User{
				ID:            BootstrapAdminID,
				Phone:         "bootstrap",
				DisplayName:   "Administrator",
				Roles:         []string{auth.RoleAdmin, auth.RoleUser},
				KYCStatus:     KYCVerified,
				PhoneVerified: true,
				CreatedAt:     now,
				UpdatedAt:     now,
			}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		_, err := s.keys.ImportKey(ctx, BootstrapAdminID, rawKey, "bootstrap")
		return err
	})
}

// LogSender writes verification codes to the log. Development only.
type LogSender struct {
	Logger *slog.Logger
}

func (l LogSender) SendCode(_ context.Context, phone, code string) error {
	l.Logger.Info("verification code issued", "phone", phone, "code", code)
	return nil
}
