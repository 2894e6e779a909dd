package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/holdfast/holdfast/internal/dbx"
	"github.com/holdfast/holdfast/internal/pagination"
)

// SQLStore persists wallets and entries in PostgreSQL or SQLite.
type SQLStore struct {
	db *dbx.DB
}

// NewSQLStore creates a SQL-backed ledger store.
func NewSQLStore(db *dbx.DB) *SQLStore {
	return &SQLStore{db: db}
}

const walletColumns = `id, owner_id, currency, available_cents, held_cents, created_at, updated_at`

type walletRow struct {
	ID             string    `db:"id"`
	OwnerID        string    `db:"owner_id"`
	Currency       string    `db:"currency"`
	AvailableCents int64     `db:"available_cents"`
	HeldCents      int64     `db:"held_cents"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r walletRow) toWallet() *Wallet {
	return &Wallet{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Currency:       r.Currency,
		AvailableCents: r.AvailableCents,
		HeldCents:      r.HeldCents,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

const entryColumns = `id, wallet_id, kind, amount_cents, escrow_id, withdrawal_id, external_ref,
	description, actor_id, created_at`

type entryRow struct {
	ID           string         `db:"id"`
	WalletID     string         `db:"wallet_id"`
	Kind         string         `db:"kind"`
	AmountCents  int64          `db:"amount_cents"`
	EscrowID     sql.NullString `db:"escrow_id"`
	WithdrawalID sql.NullString `db:"withdrawal_id"`
	ExternalRef  sql.NullString `db:"external_ref"`
	Description  string         `db:"description"`
	ActorID      string         `db:"actor_id"`
	CreatedAt    time.Time      `db:"created_at"`
}

func (r entryRow) toEntry() *Entry {
	return &Entry{
		ID:           r.ID,
		WalletID:     r.WalletID,
		Kind:         EntryKind(r.Kind),
		AmountCents:  r.AmountCents,
		EscrowID:     r.EscrowID.String,
		WithdrawalID: r.WithdrawalID.String,
		ExternalRef:  r.ExternalRef.String,
		Description:  r.Description,
		ActorID:      r.ActorID,
		CreatedAt:    r.CreatedAt.UTC(),
	}
}

func (s *SQLStore) CreateWallet(ctx context.Context, w *Wallet) error {
	_, err := s.db.Exec(ctx, `INSERT INTO wallets (`+walletColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.OwnerID, w.Currency, w.AvailableCents, w.HeldCents, w.CreatedAt.UTC(), w.UpdatedAt.UTC())
	if dbx.IsUniqueViolation(err) {
		return ErrWalletExists
	}
	if err != nil {
		return fmt.Errorf("create wallet: %w", err)
	}
	return nil
}

func (s *SQLStore) getWallet(ctx context.Context, query string, args ...interface{}) (*Wallet, error) {
	var row walletRow
	err := s.db.Get(ctx, &row, query, args...)
	if errors.Is(err, dbx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return row.toWallet(), nil
}

func (s *SQLStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	return s.getWallet(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
}

func (s *SQLStore) GetWalletForUpdate(ctx context.Context, id string) (*Wallet, error) {
	return s.getWallet(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`+s.db.ForUpdate(), id)
}

func (s *SQLStore) GetWalletByOwner(ctx context.Context, ownerID, currency string) (*Wallet, error) {
	return s.getWallet(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = ? AND currency = ?`,
		ownerID, currency)
}

func (s *SQLStore) selectWallets(ctx context.Context, query string, args ...interface{}) ([]*Wallet, error) {
	var rows []walletRow
	if err := s.db.Select(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	out := make([]*Wallet, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toWallet())
	}
	return out, nil
}

func (s *SQLStore) ListWalletsByOwner(ctx context.Context, ownerID string) ([]*Wallet, error) {
	return s.selectWallets(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = ? ORDER BY currency`, ownerID)
}

func (s *SQLStore) ListWallets(ctx context.Context, afterID string, limit int) ([]*Wallet, error) {
	return s.selectWallets(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, limit)
}

// LockWallets row-locks the wallets in ascending id order so concurrent
// multi-wallet transactions cannot deadlock each other.
func (s *SQLStore) LockWallets(ctx context.Context, ids []string) error {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	var prev string
	for i, id := range sorted {
		if i > 0 && id == prev {
			continue
		}
		prev = id
		var got string
		err := s.db.Get(ctx, &got, `SELECT id FROM wallets WHERE id = ?`+s.db.ForUpdate(), id)
		if errors.Is(err, dbx.ErrNoRows) {
			return ErrWalletNotFound
		}
		if err != nil {
			return fmt.Errorf("lock wallet %s: %w", id, err)
		}
	}
	return nil
}

func (s *SQLStore) ApplyEntry(ctx context.Context, w *Wallet, e *Entry) error {
	err := s.db.ExecOne(ctx, `UPDATE wallets SET available_cents = ?, held_cents = ?, updated_at = ? WHERE id = ?`,
		w.AvailableCents, w.HeldCents, w.UpdatedAt.UTC(), w.ID)
	if errors.Is(err, dbx.ErrNoRows) {
		return ErrWalletNotFound
	}
	if err != nil {
		return fmt.Errorf("update wallet balance: %w", err)
	}

	_, err = s.db.Exec(ctx, `INSERT INTO ledger_entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WalletID, string(e.Kind), e.AmountCents,
		dbx.NullString(e.EscrowID), dbx.NullString(e.WithdrawalID), dbx.NullString(e.ExternalRef),
		e.Description, e.ActorID, e.CreatedAt.UTC())
	if dbx.IsUniqueViolation(err) {
		return ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *SQLStore) GetEntryByExternalRef(ctx context.Context, ref string) (*Entry, error) {
	var row entryRow
	err := s.db.Get(ctx, &row, `SELECT `+entryColumns+` FROM ledger_entries WHERE external_ref = ?`, ref)
	if errors.Is(err, dbx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry by reference: %w", err)
	}
	return row.toEntry(), nil
}

func (s *SQLStore) ListEntries(ctx context.Context, walletID string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	var rows []entryRow
	var err error
	if before == nil {
		err = s.db.Select(ctx, &rows, `SELECT `+entryColumns+` FROM ledger_entries
			WHERE wallet_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, walletID, limit)
	} else {
		err = s.db.Select(ctx, &rows, `SELECT `+entryColumns+` FROM ledger_entries
			WHERE wallet_id = ? AND (created_at < ? OR (created_at = ? AND id < ?))
			ORDER BY created_at DESC, id DESC LIMIT ?`,
			walletID, before.CreatedAt, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	out := make([]*Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntry())
	}
	return out, nil
}

func (s *SQLStore) SumByKind(ctx context.Context, walletID string) (map[EntryKind]int64, error) {
	var rows []struct {
		Kind  string `db:"kind"`
		Total int64  `db:"total"`
	}
	err := s.db.Select(ctx, &rows, `SELECT kind, COALESCE(SUM(amount_cents), 0) AS total
		FROM ledger_entries WHERE wallet_id = ? GROUP BY kind`, walletID)
	if err != nil {
		return nil, fmt.Errorf("sum entries: %w", err)
	}
	sums := make(map[EntryKind]int64, len(rows))
	for _, r := range rows {
		sums[EntryKind(r.Kind)] = r.Total
	}
	return sums, nil
}

func (s *SQLStore) EscrowHeldByCurrency(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Currency string `db:"currency"`
		Held     int64  `db:"held"`
	}
	err := s.db.Select(ctx, &rows, `SELECT w.currency AS currency,
			COALESCE(SUM(CASE e.kind WHEN 'HOLD' THEN e.amount_cents WHEN 'RELEASE_HOLD' THEN -e.amount_cents ELSE 0 END), 0) AS held
		FROM ledger_entries e JOIN wallets w ON w.id = e.wallet_id
		WHERE e.escrow_id IS NOT NULL
		GROUP BY w.currency`)
	if err != nil {
		return nil, fmt.Errorf("sum escrow holds: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Currency] = r.Held
	}
	return out, nil
}

func (s *SQLStore) SumBalances(ctx context.Context) ([]CurrencyBalance, error) {
	var out []CurrencyBalance
	err := s.db.Select(ctx, &out, `SELECT currency, COUNT(*) AS wallets,
			COALESCE(SUM(available_cents), 0) AS available_cents,
			COALESCE(SUM(held_cents), 0) AS held_cents
		FROM wallets GROUP BY currency ORDER BY currency`)
	if err != nil {
		return nil, fmt.Errorf("sum balances: %w", err)
	}
	return out, nil
}
