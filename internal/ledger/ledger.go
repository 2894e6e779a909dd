// Package ledger tracks user balances as wallets backed by an append-only
// entry log.
//
// Every wallet has an available part (spendable) and a held part (reserved
// for an escrow or a pending withdrawal). Balances only change through four
// entry kinds:
//
//	CREDIT        available += amount
//	DEBIT         available -= amount
//	HOLD          available -= amount, held += amount
//	RELEASE_HOLD  held -= amount, available += amount
//
// Consuming a hold (paying out an escrow, completing a withdrawal) is
// RELEASE_HOLD followed by DEBIT in the same transaction. All operations on
// one wallet are serialized through a shared syncutil.Locker, and the
// balance check happens inside that critical section.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/idgen"
	"github.com/holdfast/holdfast/internal/pagination"
	"github.com/holdfast/holdfast/internal/syncutil"
	"github.com/holdfast/holdfast/internal/traces"
	"github.com/holdfast/holdfast/internal/txn"
	"github.com/holdfast/holdfast/internal/validation"
)

var (
	ErrInsufficientFunds   = apperr.New(apperr.KindInsufficientFunds, "insufficient funds")
	ErrInsufficientHeld    = apperr.New(apperr.KindInsufficientFunds, "held balance too low")
	ErrWalletNotFound      = apperr.New(apperr.KindNotFound, "wallet not found")
	ErrWalletExists        = apperr.New(apperr.KindDuplicateRequest, "wallet already exists")
	ErrInvalidAmount       = apperr.New(apperr.KindValidation, "amount must be a positive number of cents")
	ErrBalanceOverflow     = apperr.New(apperr.KindValidation, "balance would exceed the supported maximum")
	ErrInvalidCurrency     = apperr.New(apperr.KindValidation, "currency must be a 3-letter code")
	ErrDescriptionRequired = apperr.New(apperr.KindValidation, "description is required for manual adjustments")
	ErrReferenceRequired   = apperr.New(apperr.KindValidation, "external reference is required")
	ErrDuplicateReference  = apperr.New(apperr.KindDuplicateRequest, "external reference already applied")
	ErrEntryNotFound       = apperr.New(apperr.KindNotFound, "ledger entry not found")
	ErrNotOwner            = apperr.New(apperr.KindUnauthorized, "wallet belongs to another user")
)

// EntryKind is one of the four balance-changing operations.
type EntryKind string

const (
	KindCredit      EntryKind = "CREDIT"
	KindDebit       EntryKind = "DEBIT"
	KindHold        EntryKind = "HOLD"
	KindReleaseHold EntryKind = "RELEASE_HOLD"
)

// Wallet is a per-owner, per-currency balance.
type Wallet struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"ownerId"`
	Currency       string    `json:"currency"`
	AvailableCents int64     `json:"availableCents"`
	HeldCents      int64     `json:"heldCents"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Entry is an immutable ledger record.
type Entry struct {
	ID           string    `json:"id"`
	WalletID     string    `json:"walletId"`
	Kind         EntryKind `json:"kind"`
	AmountCents  int64     `json:"amountCents"`
	EscrowID     string    `json:"escrowId,omitempty"`
	WithdrawalID string    `json:"withdrawalId,omitempty"`
	ExternalRef  string    `json:"externalRef,omitempty"`
	Description  string    `json:"description,omitempty"`
	ActorID      string    `json:"actorId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Posting carries the attribution written onto an entry.
type Posting struct {
	EscrowID     string
	WithdrawalID string
	ExternalRef  string
	Description  string
}

// CurrencyBalance sums wallet balances for one currency.
type CurrencyBalance struct {
	Currency       string `json:"currency" db:"currency"`
	Wallets        int64  `json:"wallets" db:"wallets"`
	AvailableCents int64  `json:"availableCents" db:"available_cents"`
	HeldCents      int64  `json:"heldCents" db:"held_cents"`
}

// Store persists wallets and entries. ApplyEntry must write the new wallet
// balances and the entry atomically; callers run it inside a unit of work.
type Store interface {
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	GetWalletForUpdate(ctx context.Context, id string) (*Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID, currency string) (*Wallet, error)
	ListWalletsByOwner(ctx context.Context, ownerID string) ([]*Wallet, error)
	ListWallets(ctx context.Context, afterID string, limit int) ([]*Wallet, error)
	LockWallets(ctx context.Context, ids []string) error

	ApplyEntry(ctx context.Context, w *Wallet, e *Entry) error
	GetEntryByExternalRef(ctx context.Context, ref string) (*Entry, error)
	ListEntries(ctx context.Context, walletID string, before *pagination.Cursor, limit int) ([]*Entry, error)
	SumByKind(ctx context.Context, walletID string) (map[EntryKind]int64, error)

	EscrowHeldByCurrency(ctx context.Context) (map[string]int64, error)
	SumBalances(ctx context.Context) ([]CurrencyBalance, error)
}

// Ledger manages wallets
type Ledger struct {
	store         Store
	tx            txn.Runner
	locker        *syncutil.Locker
	platformOwner string
}

// New creates a ledger. platformOwner owns the per-currency fee wallets.
func New(store Store, tx txn.Runner, locker *syncutil.Locker, platformOwner string) *Ledger {
	return &Ledger{store: store, tx: tx, locker: locker, platformOwner: platformOwner}
}

// PlatformOwner returns the owner id of the fee wallets.
func (l *Ledger) PlatformOwner() string {
	return l.platformOwner
}

// OpenWallet returns the owner's wallet in currency, creating it if needed.
func (l *Ledger) OpenWallet(ctx context.Context, ownerID, currency string) (*Wallet, error) {
	currency = validation.NormalizeCurrency(currency)
	if !validation.IsValidCurrency(currency) {
		return nil, ErrInvalidCurrency
	}

	w, err := l.store.GetWalletByOwner(ctx, ownerID, currency)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	w = &Wallet{
		ID:        idgen.WithPrefix("wal_"),
		OwnerID:   ownerID,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, ErrWalletExists) {
			return l.store.GetWalletByOwner(ctx, ownerID, currency)
		}
		return nil, err
	}
	return w, nil
}

// PlatformWallet returns the fee wallet for currency.
func (l *Ledger) PlatformWallet(ctx context.Context, currency string) (*Wallet, error) {
	return l.OpenWallet(ctx, l.platformOwner, currency)
}

// Wallet returns a wallet by id.
func (l *Ledger) Wallet(ctx context.Context, id string) (*Wallet, error) {
	return l.store.GetWallet(ctx, id)
}

// WalletFor returns the owner's wallet in currency without creating it.
func (l *Ledger) WalletFor(ctx context.Context, ownerID, currency string) (*Wallet, error) {
	return l.store.GetWalletByOwner(ctx, ownerID, validation.NormalizeCurrency(currency))
}

// WalletsFor lists all of an owner's wallets.
func (l *Ledger) WalletsFor(ctx context.Context, ownerID string) ([]*Wallet, error) {
	return l.store.ListWalletsByOwner(ctx, ownerID)
}

// ListWallets pages through all wallets by id.
func (l *Ledger) ListWallets(ctx context.Context, afterID string, limit int) ([]*Wallet, error) {
	return l.store.ListWallets(ctx, afterID, limit)
}

// LockForUpdate takes database row locks on the wallets in ascending id
// order. Multi-wallet operations call it first inside their transaction.
func (l *Ledger) LockForUpdate(ctx context.Context, walletIDs ...string) error {
	return l.store.LockWallets(ctx, walletIDs)
}

// Credit appends a CREDIT entry.
func (l *Ledger) Credit(ctx context.Context, walletID string, amountCents int64, p Posting) (*Entry, error) {
	return l.apply(ctx, walletID, KindCredit, amountCents, p)
}

// Debit appends a DEBIT entry; fails with ErrInsufficientFunds if the
// available balance is too low.
func (l *Ledger) Debit(ctx context.Context, walletID string, amountCents int64, p Posting) (*Entry, error) {
	return l.apply(ctx, walletID, KindDebit, amountCents, p)
}

// Hold moves funds from available to held.
func (l *Ledger) Hold(ctx context.Context, walletID string, amountCents int64, p Posting) (*Entry, error) {
	return l.apply(ctx, walletID, KindHold, amountCents, p)
}

// ReleaseHold moves funds from held back to available.
func (l *Ledger) ReleaseHold(ctx context.Context, walletID string, amountCents int64, p Posting) (*Entry, error) {
	return l.apply(ctx, walletID, KindReleaseHold, amountCents, p)
}

// SettleHold consumes held funds: RELEASE_HOLD then DEBIT, atomically.
func (l *Ledger) SettleHold(ctx context.Context, walletID string, amountCents int64, p Posting) error {
	ctx, unlock, err := l.locker.Acquire(ctx, syncutil.WalletKey(walletID))
	if err != nil {
		return err
	}
	defer unlock()

	return l.tx.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := l.ReleaseHold(ctx, walletID, amountCents, p); err != nil {
			return err
		}
		debit := p
		debit.ExternalRef = ""
		_, err := l.Debit(ctx, walletID, amountCents, debit)
		return err
	})
}

// AdminCredit is a manual credit by an admin; description is mandatory.
func (l *Ledger) AdminCredit(ctx context.Context, actor auth.Actor, walletID string, amountCents int64, description string) (*Entry, error) {
	return l.adminAdjust(ctx, actor, walletID, KindCredit, amountCents, description)
}

// AdminDebit is a manual debit by an admin; description is mandatory.
func (l *Ledger) AdminDebit(ctx context.Context, actor auth.Actor, walletID string, amountCents int64, description string) (*Entry, error) {
	return l.adminAdjust(ctx, actor, walletID, KindDebit, amountCents, description)
}

func (l *Ledger) adminAdjust(ctx context.Context, actor auth.Actor, walletID string, kind EntryKind, amountCents int64, description string) (*Entry, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	description = validation.SanitizeString(description, 500)
	if description == "" {
		return nil, ErrDescriptionRequired
	}
	ctx = WithActor(ctx, actor.UserID)
	e, err := l.apply(ctx, walletID, kind, amountCents, Posting{Description: "admin: " + description})
	if err == nil {
		AdminAdjustmentsTotal.WithLabelValues(strings.ToLower(string(kind))).Inc()
	}
	return e, err
}

// ExternalCredit credits ownerID's wallet for a payment confirmed by an
// external system. The effect applies at most once per externalRef; a
// repeat returns the original entry with duplicate=true.
func (l *Ledger) ExternalCredit(ctx context.Context, ownerID, currency string, amountCents int64, externalRef, description string) (entry *Entry, duplicate bool, err error) {
	if externalRef == "" {
		return nil, false, ErrReferenceRequired
	}
	w, err := l.OpenWallet(ctx, ownerID, currency)
	if err != nil {
		return nil, false, err
	}

	ctx, unlock, err := l.locker.Acquire(ctx, syncutil.WalletKey(w.ID))
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	err = l.tx.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := l.store.GetEntryByExternalRef(ctx, externalRef)
		if err == nil {
			entry, duplicate = existing, true
			return nil
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return err
		}
		entry, err = l.apply(ctx, w.ID, KindCredit, amountCents, Posting{ExternalRef: externalRef, Description: description})
		return err
	})
	if errors.Is(err, ErrDuplicateReference) {
		// Lost a race against the same reference on another wallet lock.
		existing, getErr := l.store.GetEntryByExternalRef(ctx, externalRef)
		if getErr != nil {
			return nil, false, err
		}
		return existing, true, nil
	}
	return entry, duplicate, err
}

func (l *Ledger) apply(ctx context.Context, walletID string, kind EntryKind, amountCents int64, p Posting) (*Entry, error) {
	if amountCents <= 0 || amountCents > validation.MaxCents {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "ledger."+strings.ToLower(string(kind)),
		traces.WalletID(walletID), traces.AmountCents(amountCents), traces.EscrowID(p.EscrowID))
	defer span.End()
	start := time.Now()

	ctx, unlock, err := l.locker.Acquire(ctx, syncutil.WalletKey(walletID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var entry *Entry
	err = l.tx.RunInTx(ctx, func(ctx context.Context) error {
		w, err := l.store.GetWalletForUpdate(ctx, walletID)
		if err != nil {
			return err
		}

		switch kind {
		case KindCredit:
			if w.AvailableCents > math.MaxInt64-amountCents {
				return fmt.Errorf("%w: available %d, credit %d", ErrBalanceOverflow, w.AvailableCents, amountCents)
			}
			w.AvailableCents += amountCents
		case KindDebit:
			if w.AvailableCents < amountCents {
				return fmt.Errorf("%w: available %d, requested %d", ErrInsufficientFunds, w.AvailableCents, amountCents)
			}
			w.AvailableCents -= amountCents
		case KindHold:
			if w.AvailableCents < amountCents {
				return fmt.Errorf("%w: available %d, requested %d", ErrInsufficientFunds, w.AvailableCents, amountCents)
			}
			if w.HeldCents > math.MaxInt64-amountCents {
				return fmt.Errorf("%w: held %d, hold %d", ErrBalanceOverflow, w.HeldCents, amountCents)
			}
			w.AvailableCents -= amountCents
			w.HeldCents += amountCents
		case KindReleaseHold:
			if w.HeldCents < amountCents {
				return fmt.Errorf("%w: held %d, requested %d", ErrInsufficientHeld, w.HeldCents, amountCents)
			}
			if w.AvailableCents > math.MaxInt64-amountCents {
				return fmt.Errorf("%w: available %d, release %d", ErrBalanceOverflow, w.AvailableCents, amountCents)
			}
			w.HeldCents -= amountCents
			w.AvailableCents += amountCents
		default:
			return fmt.Errorf("unknown entry kind %q", kind)
		}

		now := time.Now().UTC()
		w.UpdatedAt = now
		entry = &Entry{
			ID:           idgen.WithPrefix("ent_"),
			WalletID:     walletID,
			Kind:         kind,
			AmountCents:  amountCents,
			EscrowID:     p.EscrowID,
			WithdrawalID: p.WithdrawalID,
			ExternalRef:  p.ExternalRef,
			Description:  p.Description,
			ActorID:      actorFromCtx(ctx),
			CreatedAt:    now,
		}
		if err := l.store.ApplyEntry(ctx, w, entry); err != nil {
			return err
		}

		txn.AfterCommit(ctx, func() {
			EntriesTotal.WithLabelValues(string(kind)).Inc()
			EntryAmountCents.WithLabelValues(string(kind), w.Currency).Add(float64(amountCents))
		})
		return nil
	})
	OpDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	return entry, nil
}

// Entries returns one page of a wallet's entries, newest first.
func (l *Ledger) Entries(ctx context.Context, walletID string, cursor string, limit int) ([]*Entry, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", apperr.Validationf(err.Error())
	}
	entries, err := l.store.ListEntries(ctx, walletID, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

// EscrowHeldByCurrency sums, per currency, the hold still outstanding on
// entries attributed to escrows (HOLD minus RELEASE_HOLD).
func (l *Ledger) EscrowHeldByCurrency(ctx context.Context) (map[string]int64, error) {
	return l.store.EscrowHeldByCurrency(ctx)
}

// SumBalances sums wallet balances per currency.
func (l *Ledger) SumBalances(ctx context.Context) ([]CurrencyBalance, error) {
	return l.store.SumBalances(ctx)
}
