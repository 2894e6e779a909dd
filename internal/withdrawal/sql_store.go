package withdrawal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/holdfast/holdfast/internal/dbx"
	"github.com/holdfast/holdfast/internal/pagination"
)

// SQLStore persists withdrawals in PostgreSQL or SQLite.
type SQLStore struct {
	db *dbx.DB
}

// NewSQLStore creates a SQL-backed withdrawal store.
func NewSQLStore(db *dbx.DB) *SQLStore {
	return &SQLStore{db: db}
}

const withdrawalColumns = `id, wallet_id, user_id, currency, amount_cents, fee_cents, method_type,
	method_details, status, failure_reason, processed_by, processed_at, created_at, updated_at`

type withdrawalRow struct {
	ID            string       `db:"id"`
	WalletID      string       `db:"wallet_id"`
	UserID        string       `db:"user_id"`
	Currency      string       `db:"currency"`
	AmountCents   int64        `db:"amount_cents"`
	FeeCents      int64        `db:"fee_cents"`
	MethodType    string       `db:"method_type"`
	MethodDetails string       `db:"method_details"`
	Status        string       `db:"status"`
	FailureReason string       `db:"failure_reason"`
	ProcessedBy   string       `db:"processed_by"`
	ProcessedAt   sql.NullTime `db:"processed_at"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func (r withdrawalRow) toWithdrawal() (*Withdrawal, error) {
	w := &Withdrawal{
		ID:            r.ID,
		WalletID:      r.WalletID,
		UserID:        r.UserID,
		Currency:      r.Currency,
		AmountCents:   r.AmountCents,
		FeeCents:      r.FeeCents,
		MethodType:    MethodType(r.MethodType),
		Status:        Status(r.Status),
		FailureReason: r.FailureReason,
		ProcessedBy:   r.ProcessedBy,
		ProcessedAt:   dbx.TimePtr(r.ProcessedAt),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.MethodDetails != "" {
		if err := json.Unmarshal([]byte(r.MethodDetails), &w.MethodDetails); err != nil {
			return nil, fmt.Errorf("decode method details for %s: %w", r.ID, err)
		}
	}
	return w, nil
}

func encodeDetails(details map[string]string) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode method details: %w", err)
	}
	return string(b), nil
}

func (s *SQLStore) Create(ctx context.Context, w *Withdrawal) error {
	details, err := encodeDetails(w.MethodDetails)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.WalletID, w.UserID, w.Currency, w.AmountCents, w.FeeCents, string(w.MethodType),
		details, string(w.Status), w.FailureReason, w.ProcessedBy, dbx.NullTime(w.ProcessedAt),
		w.CreatedAt.UTC(), w.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create withdrawal: %w", err)
	}
	return nil
}

func (s *SQLStore) get(ctx context.Context, query string, id string) (*Withdrawal, error) {
	var row withdrawalRow
	err := s.db.Get(ctx, &row, query, id)
	if errors.Is(err, dbx.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get withdrawal: %w", err)
	}
	return row.toWithdrawal()
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	return s.get(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, id)
}

func (s *SQLStore) GetForUpdate(ctx context.Context, id string) (*Withdrawal, error) {
	return s.get(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`+s.db.ForUpdate(), id)
}

func (s *SQLStore) Update(ctx context.Context, w *Withdrawal) error {
	err := s.db.ExecOne(ctx, `UPDATE withdrawals SET
			status = ?, failure_reason = ?, processed_by = ?, processed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(w.Status), w.FailureReason, w.ProcessedBy, dbx.NullTime(w.ProcessedAt), w.UpdatedAt.UTC(), w.ID)
	if errors.Is(err, dbx.ErrNoRows) {
		return ErrWithdrawalNotFound
	}
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", err)
	}
	return nil
}

func (s *SQLStore) selectWithdrawals(ctx context.Context, query string, args ...interface{}) ([]*Withdrawal, error) {
	var rows []withdrawalRow
	if err := s.db.Select(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	out := make([]*Withdrawal, 0, len(rows))
	for _, r := range rows {
		w, err := r.toWithdrawal()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *SQLStore) ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Withdrawal, error) {
	if before == nil {
		return s.selectWithdrawals(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals
			WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	}
	return s.selectWithdrawals(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE user_id = ? AND (created_at < ? OR (created_at = ? AND id < ?))
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, before.CreatedAt, before.CreatedAt, before.ID, limit)
}

func (s *SQLStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error) {
	return s.selectWithdrawals(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status = ? ORDER BY created_at, id LIMIT ?`, string(status), limit)
}

func (s *SQLStore) PendingByCurrency(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Currency string `db:"currency"`
		Total    int64  `db:"total"`
	}
	err := s.db.Select(ctx, &rows, `SELECT currency, COALESCE(SUM(amount_cents + fee_cents), 0) AS total
		FROM withdrawals WHERE status = ? GROUP BY currency`, string(StatusRequested))
	if err != nil {
		return nil, fmt.Errorf("sum pending withdrawals: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Currency] = r.Total
	}
	return out, nil
}
