package syncutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerNestedAcquireIsFree(t *testing.T) {
	l := NewLocker()
	ctx, unlock, err := l.Acquire(context.Background(), EscrowKey("e1"), WalletKey("w1"), WalletKey("w2"))
	require.NoError(t, err)
	defer unlock()

	assert.True(t, l.Holds(ctx, WalletKey("w1")))

	// Would block forever if the nested call re-locked the shard.
	inner, innerUnlock, err := l.Acquire(ctx, WalletKey("w2"))
	require.NoError(t, err)
	innerUnlock()
	assert.True(t, l.Holds(inner, WalletKey("w2")))
}

func TestLockerRejectsLockUpgrade(t *testing.T) {
	l := NewLocker()
	ctx, unlock, err := l.Acquire(context.Background(), WalletKey("w1"))
	require.NoError(t, err)
	defer unlock()

	if l.mu.shardIdx(WalletKey("zz-unrelated")) == l.mu.shardIdx(WalletKey("w1")) {
		t.Skip("keys share a shard")
	}
	_, _, err = l.Acquire(ctx, WalletKey("zz-unrelated"))
	assert.ErrorIs(t, err, ErrLockOrder)
}

func TestLockerHoldsIsPerKey(t *testing.T) {
	l := NewLocker()
	ctx, unlock, err := l.Acquire(context.Background(), EscrowKey("e1"))
	require.NoError(t, err)
	defer unlock()

	// Find another escrow whose key lands on the same shard.
	var twin string
	for i := 0; i < 100_000 && twin == ""; i++ {
		k := EscrowKey(fmt.Sprintf("e%d", i+2))
		if l.mu.shardIdx(k) == l.mu.shardIdx(EscrowKey("e1")) {
			twin = k
		}
	}
	require.NotEmpty(t, twin)

	assert.True(t, l.Holds(ctx, EscrowKey("e1")))
	assert.False(t, l.Holds(ctx, twin), "sharing a shard is not holding the key")
	assert.False(t, l.Holds(ctx, EscrowKey("e1"), twin))

	inner, innerUnlock, err := l.Acquire(ctx, twin)
	require.NoError(t, err)
	defer innerUnlock()
	assert.True(t, l.Holds(inner, twin))
	assert.False(t, l.Holds(ctx, twin), "parent context is unchanged")
}

func TestLockerSerializesAcrossGoroutines(t *testing.T) {
	l := NewLocker()
	_, unlock, err := l.Acquire(context.Background(), WalletKey("w1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err = l.Acquire(ctx, WalletKey("w1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	_, unlock2, err := l.Acquire(context.Background(), WalletKey("w1"))
	require.NoError(t, err)
	unlock2()
}

func TestLockersAreIndependent(t *testing.T) {
	a, b := NewLocker(), NewLocker()
	ctx, unlock, err := a.Acquire(context.Background(), WalletKey("w1"))
	require.NoError(t, err)
	defer unlock()

	assert.False(t, b.Holds(ctx, WalletKey("w1")))
	_, unlockB, err := b.Acquire(ctx, WalletKey("w9"))
	require.NoError(t, err)
	unlockB()
}
