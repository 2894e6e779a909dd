package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/holdfast/holdfast/internal/dbx"
)

// SQLStore persists API keys in the api_keys table.
type SQLStore struct {
	db *dbx.DB
}

// NewSQLStore creates a SQL-backed key store
func NewSQLStore(db *dbx.DB) *SQLStore {
	return &SQLStore{db: db}
}

type keyRow struct {
	ID        string       `db:"id"`
	Hash      string       `db:"key_hash"`
	UserID    string       `db:"user_id"`
	Name      string       `db:"name"`
	CreatedAt time.Time    `db:"created_at"`
	LastUsed  sql.NullTime `db:"last_used"`
	Revoked   bool         `db:"revoked"`
}

func (r keyRow) toKey() *APIKey {
	return &APIKey{
		ID:        r.ID,
		Hash:      r.Hash,
		UserID:    r.UserID,
		Name:      r.Name,
		CreatedAt: r.CreatedAt.UTC(),
		LastUsed:  dbx.TimePtr(r.LastUsed),
		Revoked:   r.Revoked,
	}
}

const keyColumns = `id, key_hash, user_id, name, created_at, last_used, revoked`

func (s *SQLStore) Create(ctx context.Context, key *APIKey) error {
	_, err := s.db.Exec(ctx, `INSERT INTO api_keys (`+keyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Hash, key.UserID, key.Name, key.CreatedAt.UTC(), dbx.NullTime(key.LastUsed), key.Revoked)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *SQLStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	var row keyRow
	err := s.db.Get(ctx, &row, `SELECT `+keyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	if errors.Is(err, dbx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return row.toKey(), nil
}

func (s *SQLStore) ListByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	var rows []keyRow
	if err := s.db.Select(ctx, &rows, `SELECT `+keyColumns+` FROM api_keys WHERE user_id = ? ORDER BY created_at`, userID); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	keys := make([]*APIKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.toKey())
	}
	return keys, nil
}

func (s *SQLStore) Update(ctx context.Context, key *APIKey) error {
	err := s.db.ExecOne(ctx, `UPDATE api_keys SET name = ?, last_used = ?, revoked = ? WHERE id = ?`,
		key.Name, dbx.NullTime(key.LastUsed), key.Revoked, key.ID)
	if errors.Is(err, dbx.ErrNoRows) {
		return ErrKeyNotFound
	}
	return err
}
