package fees

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/holdfast/holdfast/internal/dbx"
)

const activePolicyID = "active"

// SQLStore persists the policy in the fee_policies table.
type SQLStore struct {
	db *dbx.DB
}

// NewSQLStore creates a SQL-backed policy store.
func NewSQLStore(db *dbx.DB) *SQLStore {
	return &SQLStore{db: db}
}

type policyRow struct {
	Percent    string    `db:"percent"`
	FixedCents int64     `db:"fixed_cents"`
	Payer      string    `db:"payer"`
	UpdatedBy  string    `db:"updated_by"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (s *SQLStore) Get(ctx context.Context) (*Policy, error) {
	var row policyRow
	err := s.db.Get(ctx, &row, `SELECT percent, fixed_cents, payer, updated_by, updated_at
		FROM fee_policies WHERE id = ?`, activePolicyID)
	if errors.Is(err, dbx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fee policy: %w", err)
	}
	pct, err := decimal.NewFromString(row.Percent)
	if err != nil {
		return nil, fmt.Errorf("parse fee percent %q: %w", row.Percent, err)
	}
	return &Policy{
		Percent:    pct,
		FixedCents: row.FixedCents,
		Payer:      Payer(row.Payer),
		UpdatedBy:  row.UpdatedBy,
		UpdatedAt:  row.UpdatedAt.UTC(),
	}, nil
}

func (s *SQLStore) Put(ctx context.Context, p *Policy) error {
	_, err := s.db.Exec(ctx, `INSERT INTO fee_policies (id, percent, fixed_cents, payer, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET percent = excluded.percent, fixed_cents = excluded.fixed_cents,
			payer = excluded.payer, updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
		activePolicyID, p.Percent.String(), p.FixedCents, string(p.Payer), p.UpdatedBy, p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put fee policy: %w", err)
	}
	return nil
}
