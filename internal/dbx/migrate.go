package dbx

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/holdfast/holdfast/migrations"
)

// Migrate applies all pending migrations for the database's dialect.
func (d *DB) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations.FS, string(d.Dialect))
	if err != nil {
		return err
	}

	dialect := goose.DialectPostgres
	if d.Dialect == SQLite {
		dialect = goose.DialectSQLite3
	}

	provider, err := goose.NewProvider(dialect, d.DB.DB, fsys)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
