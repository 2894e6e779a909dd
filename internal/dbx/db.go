// Package dbx opens the SQL database behind the SQL stores and runs units of
// work against it. PostgreSQL (lib/pq) is the production backend; SQLite
// (modernc.org/sqlite) serves single-node deployments and tests.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite" // SQLite driver
)

// Dialect names the SQL backend.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// ErrNoRows is returned by Get when nothing matched.
var ErrNoRows = sql.ErrNoRows

// DB wraps a sqlx handle with its dialect.
type DB struct {
	*sqlx.DB
	Dialect Dialect
}

// Executor is satisfied by both *sqlx.DB and *sqlx.Tx, letting stores run
// the same queries inside or outside a transaction.
type Executor interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Rebind(query string) string
}

// Open connects to url: "postgres://..." / "postgresql://..." for
// PostgreSQL, "sqlite:<path>" for SQLite.
func Open(ctx context.Context, url string) (*DB, error) {
	var (
		db      *sqlx.DB
		dialect Dialect
		err     error
	)

	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		dialect = Postgres
		db, err = sqlx.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	case strings.HasPrefix(url, "sqlite:"):
		dialect = SQLite
		path := strings.TrimPrefix(url, "sqlite:")
		dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
		db, err = sqlx.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite allows one writer; a single connection serializes
		// transactions instead of failing them with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unsupported database url %q", url)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	return &DB{DB: db, Dialect: dialect}, nil
}

// Conn returns the transaction carried by ctx, or the pool.
func (d *DB) Conn(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey{d}).(*sqlx.Tx); ok {
		return tx
	}
	return d.DB
}

// Get runs a single-row query written with ? placeholders.
func (d *DB) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	q := d.Conn(ctx)
	return q.GetContext(ctx, dest, q.Rebind(query), args...)
}

// Select runs a multi-row query written with ? placeholders.
func (d *DB) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	q := d.Conn(ctx)
	return q.SelectContext(ctx, dest, q.Rebind(query), args...)
}

// Exec runs a statement written with ? placeholders.
func (d *DB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	q := d.Conn(ctx)
	return q.ExecContext(ctx, q.Rebind(query), args...)
}

// ExecOne is Exec that fails with ErrNoRows when no row was affected.
func (d *DB) ExecOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := d.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}

// ForUpdate returns the row-lock suffix for SELECTs inside a transaction.
// SQLite locks the whole database per write transaction, so it has none.
func (d *DB) ForUpdate() string {
	if d.Dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique-constraint failure.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isRetryable reports PostgreSQL serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// NullTime converts an optional timestamp for insertion.
func NullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// TimePtr converts a scanned nullable timestamp back.
func TimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// NullString stores "" as NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
