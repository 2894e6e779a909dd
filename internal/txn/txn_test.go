package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRunnerRollbackOrder(t *testing.T) {
	var order []int
	var committed bool

	err := MemoryRunner{}.RunInTx(context.Background(), func(ctx context.Context) error {
		OnRollback(ctx, func() { order = append(order, 1) })
		OnRollback(ctx, func() { order = append(order, 2) })
		AfterCommit(ctx, func() { committed = true })
		return errors.New("insufficient funds")
	})

	require.Error(t, err)
	assert.Equal(t, []int{2, 1}, order)
	assert.False(t, committed)
}

func TestMemoryRunnerCommitRunsHooks(t *testing.T) {
	var undone, committed bool
	err := MemoryRunner{}.RunInTx(context.Background(), func(ctx context.Context) error {
		OnRollback(ctx, func() { undone = true })
		AfterCommit(ctx, func() { committed = true })
		return nil
	})
	require.NoError(t, err)
	assert.False(t, undone)
	assert.True(t, committed)
}

func TestMemoryRunnerNestedJoinsOuter(t *testing.T) {
	var undone int
	r := MemoryRunner{}
	err := r.RunInTx(context.Background(), func(ctx context.Context) error {
		inner := r.RunInTx(ctx, func(ctx context.Context) error {
			OnRollback(ctx, func() { undone++ })
			return nil
		})
		require.NoError(t, inner)
		assert.Equal(t, 0, undone, "inner commit must not finish the outer unit")
		return errors.New("fail after inner")
	})
	require.Error(t, err)
	assert.Equal(t, 1, undone)
}

func TestMemoryRunnerPanicRollsBack(t *testing.T) {
	var undone bool
	assert.Panics(t, func() {
		_ = MemoryRunner{}.RunInTx(context.Background(), func(ctx context.Context) error {
			OnRollback(ctx, func() { undone = true })
			panic("boom")
		})
	})
	assert.True(t, undone)
}

func TestAfterCommitOutsideTx(t *testing.T) {
	ran := false
	AfterCommit(context.Background(), func() { ran = true })
	assert.True(t, ran)
	assert.False(t, InTx(context.Background()))
}
