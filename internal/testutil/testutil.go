// Package testutil opens migrated databases for store tests.
//
// SQLite gives every test its own database file and needs nothing
// installed. Postgres uses POSTGRES_URL when set and otherwise starts a
// throwaway container; tests that call it live behind the integration
// build tag:
//
//	//go:build integration
//
//	db := testutil.Postgres(t)
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/holdfast/holdfast/internal/dbx"
)

// tables in truncation order for a shared POSTGRES_URL database.
var tables = []string{
	"idempotency_keys", "withdrawals", "dispute_messages", "disputes",
	"shipments", "milestones", "escrows", "fee_policies",
	"wallets", "kyc_results", "api_keys", "users",
}

// SQLite returns a migrated SQLite database in t's temp dir.
func SQLite(t *testing.T) *dbx.DB {
	t.Helper()
	ctx := context.Background()

	db, err := dbx.Open(ctx, "sqlite:"+filepath.Join(t.TempDir(), "holdfast.db"))
	if err != nil {
		t.Fatalf("testutil: open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("testutil: migrate sqlite: %v", err)
	}
	return db
}

// Postgres returns a migrated PostgreSQL database.
func Postgres(t *testing.T) *dbx.DB {
	t.Helper()
	ctx := context.Background()

	url := os.Getenv("POSTGRES_URL")
	shared := url != ""
	if !shared {
		testcontainers.SkipIfProviderIsNotHealthy(t)

		ctr, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("holdfast"),
			postgres.WithUsername("holdfast"),
			postgres.WithPassword("holdfast"),
			postgres.BasicWaitStrategies(),
		)
		testcontainers.CleanupContainer(t, ctr)
		if err != nil {
			t.Fatalf("testutil: start postgres container: %v", err)
		}
		url, err = ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("testutil: container connection string: %v", err)
		}
	}

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := dbx.Open(openCtx, url)
	if err != nil {
		t.Fatalf("testutil: open postgres: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("testutil: migrate postgres: %v", err)
	}

	t.Cleanup(func() {
		if shared {
			for _, table := range tables {
				// ledger_entries refuses DELETE; TRUNCATE bypasses row triggers.
				_, _ = db.ExecContext(ctx, "TRUNCATE "+table+" CASCADE")
			}
		}
		_ = db.Close()
	})
	return db
}
