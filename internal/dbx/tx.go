package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/holdfast/holdfast/internal/logging"
	"github.com/holdfast/holdfast/internal/retry"
	"github.com/holdfast/holdfast/internal/txn"
)

type txKey struct{ d *DB }

const (
	txAttempts  = 3
	txBaseDelay = 20 * time.Millisecond
)

// RunInTx runs fn in a transaction, joining one already on ctx. Serialization
// failures and deadlocks on PostgreSQL are retried with backoff; any other
// error rolls back and is returned unchanged.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{d}).(*sqlx.Tx); ok {
		return fn(ctx)
	}
	return retry.DoIf(ctx, txAttempts, txBaseDelay, isRetryable, func() error {
		return d.runOnce(ctx, fn)
	})
}

func (d *DB) runOnce(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, journal, joined := txn.Begin(ctx)
	finish := func(commit bool) {
		if joined {
			return
		}
		if commit {
			journal.Commit()
		} else {
			journal.Rollback()
		}
	}

	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			rollback(ctx, tx)
			finish(false)
			panic(r)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{d}, tx)); err != nil {
		rollback(ctx, tx)
		finish(false)
		return err
	}

	if err := tx.Commit(); err != nil {
		finish(false)
		return fmt.Errorf("commit transaction: %w", err)
	}
	finish(true)
	return nil
}

func rollback(ctx context.Context, tx interface{ Rollback() error }) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logging.L(ctx).Error("rollback failed", "error", err)
	}
}
