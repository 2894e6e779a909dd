package syncutil

import (
	"context"
	"errors"
)

// ErrLockOrder is returned when a caller already holding locks from a Locker
// asks the same Locker for keys it does not hold. Taking them would break
// the ascending shard order LockMany relies on.
var ErrLockOrder = errors.New("syncutil: cannot acquire additional locks while holding others")

// Locker serializes work per key (wallet, escrow, withdrawal) across
// services. Acquire records the held shards and keys on the returned
// context, so a nested Acquire for keys whose shards are already held is
// free. That lets an escrow operation lock every wallet it touches up front
// and then call ledger operations that lock the same wallets themselves.
type Locker struct {
	mu *ContextShardedMutex
}

type heldKey struct{ l *Locker }

// heldSet is what a context holds. Shards guard mutual exclusion; keys
// answer Holds, since unrelated keys can share a shard.
type heldSet struct {
	shards map[uint32]struct{}
	keys   map[string]struct{}
}

func (h heldSet) with(keys []string) heldSet {
	out := heldSet{shards: h.shards, keys: make(map[string]struct{}, len(h.keys)+len(keys))}
	for k := range h.keys {
		out.keys[k] = struct{}{}
	}
	for _, k := range keys {
		out.keys[k] = struct{}{}
	}
	return out
}

// NewLocker creates a Locker.
func NewLocker() *Locker {
	return &Locker{mu: NewContextShardedMutex()}
}

// Acquire locks all keys and returns a context marking them held plus the
// unlock function.
func (l *Locker) Acquire(ctx context.Context, keys ...string) (context.Context, func(), error) {
	idx := l.mu.shardSet(keys)

	if held, ok := ctx.Value(heldKey{l}).(heldSet); ok {
		for _, i := range idx {
			if _, ok := held.shards[i]; !ok {
				return ctx, nil, ErrLockOrder
			}
		}
		return context.WithValue(ctx, heldKey{l}, held.with(keys)), func() {}, nil
	}

	unlock, err := l.mu.lockShards(ctx, idx)
	if err != nil {
		return ctx, nil, err
	}
	held := heldSet{shards: make(map[uint32]struct{}, len(idx))}
	for _, i := range idx {
		held.shards[i] = struct{}{}
	}
	return context.WithValue(ctx, heldKey{l}, held.with(keys)), unlock, nil
}

// Holds reports whether every key was acquired on ctx.
func (l *Locker) Holds(ctx context.Context, keys ...string) bool {
	held, ok := ctx.Value(heldKey{l}).(heldSet)
	if !ok {
		return false
	}
	for _, k := range keys {
		if _, ok := held.keys[k]; !ok {
			return false
		}
	}
	return true
}

// WalletKey, EscrowKey and WithdrawalKey namespace lock keys per record kind.
func WalletKey(id string) string     { return "wallet:" + id }
func EscrowKey(id string) string     { return "escrow:" + id }
func WithdrawalKey(id string) string { return "withdrawal:" + id }
