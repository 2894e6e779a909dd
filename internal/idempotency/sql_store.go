package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holdfast/holdfast/internal/dbx"
)

// SQLStore persists idempotency records in the idempotency_keys table.
type SQLStore struct {
	db *dbx.DB
}

// NewSQLStore creates a SQL-backed idempotency store.
func NewSQLStore(db *dbx.DB) *SQLStore {
	return &SQLStore{db: db}
}

type recordRow struct {
	Scope        string    `db:"scope"`
	Key          string    `db:"idem_key"`
	RequestHash  string    `db:"request_hash"`
	StatusCode   int       `db:"status_code"`
	ResponseBody []byte    `db:"response_body"`
	Completed    bool      `db:"completed"`
	CreatedAt    time.Time `db:"created_at"`
}

func (s *SQLStore) Reserve(ctx context.Context, rec *Record) error {
	_, err := s.db.Exec(ctx, `INSERT INTO idempotency_keys (scope, idem_key, request_hash, created_at)
		VALUES (?, ?, ?, ?)`, rec.Scope, rec.Key, rec.RequestHash, rec.CreatedAt.UTC())
	if dbx.IsUniqueViolation(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("reserve idempotency key: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, scope, key string) (*Record, error) {
	var row recordRow
	err := s.db.Get(ctx, &row, `SELECT scope, idem_key, request_hash, status_code, response_body, completed, created_at
		FROM idempotency_keys WHERE scope = ? AND idem_key = ?`, scope, key)
	if errors.Is(err, dbx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return &Record{
		Scope:        row.Scope,
		Key:          row.Key,
		RequestHash:  row.RequestHash,
		StatusCode:   row.StatusCode,
		ResponseBody: row.ResponseBody,
		Completed:    row.Completed,
		CreatedAt:    row.CreatedAt.UTC(),
	}, nil
}

func (s *SQLStore) Complete(ctx context.Context, scope, key string, statusCode int, body []byte) error {
	err := s.db.ExecOne(ctx, `UPDATE idempotency_keys SET status_code = ?, response_body = ?, completed = ?
		WHERE scope = ? AND idem_key = ?`, statusCode, body, true, scope, key)
	if errors.Is(err, dbx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

func (s *SQLStore) Release(ctx context.Context, scope, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE scope = ? AND idem_key = ?`, scope, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
