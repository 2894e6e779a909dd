// Package txn defines the unit of work every state-changing operation runs
// in. SQL-backed deployments use dbx.Runner; in-memory deployments use
// MemoryRunner, where stores register undo actions so a failed operation
// leaves no partial writes behind.
package txn

import (
	"context"
	"sync"
)

// Runner executes fn atomically. Calls nested inside fn join the outer
// unit of work.
type Runner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type journalKey struct{}

// Journal collects undo actions and post-commit hooks for one unit of work.
type Journal struct {
	mu          sync.Mutex
	undo        []func()
	afterCommit []func()
}

// Begin starts a journal and attaches it to ctx. If ctx already carries one,
// it is returned with joined=true and the caller must not finish it.
func Begin(ctx context.Context) (_ context.Context, j *Journal, joined bool) {
	if j, ok := ctx.Value(journalKey{}).(*Journal); ok {
		return ctx, j, true
	}
	j = &Journal{}
	return context.WithValue(ctx, journalKey{}, j), j, false
}

// InTx reports whether ctx belongs to a unit of work.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(journalKey{}).(*Journal)
	return ok
}

// OnRollback registers undo to run if the unit of work fails. Undo actions
// run in reverse registration order. Outside a unit of work it is a no-op.
func OnRollback(ctx context.Context, undo func()) {
	if j, ok := ctx.Value(journalKey{}).(*Journal); ok {
		j.mu.Lock()
		j.undo = append(j.undo, undo)
		j.mu.Unlock()
	}
}

// AfterCommit registers fn to run once the unit of work commits. Outside a
// unit of work fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if j, ok := ctx.Value(journalKey{}).(*Journal); ok {
		j.mu.Lock()
		j.afterCommit = append(j.afterCommit, fn)
		j.mu.Unlock()
		return
	}
	fn()
}

// Rollback applies the undo actions and drops the commit hooks.
func (j *Journal) Rollback() {
	j.mu.Lock()
	undo := j.undo
	j.undo, j.afterCommit = nil, nil
	j.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

// Commit drops the undo actions and runs the commit hooks.
func (j *Journal) Commit() {
	j.mu.Lock()
	hooks := j.afterCommit
	j.undo, j.afterCommit = nil, nil
	j.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// MemoryRunner is the Runner for in-memory stores.
type MemoryRunner struct{}

// RunInTx runs fn, rolling back registered undo actions on error or panic.
func (MemoryRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, j, joined := Begin(ctx)
	if joined {
		return fn(ctx)
	}

	defer func() {
		if r := recover(); r != nil {
			j.Rollback()
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		j.Rollback()
		return err
	}
	j.Commit()
	return nil
}
