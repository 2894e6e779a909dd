package syncutil

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"
)

const shardCount = 256

// ContextShardedMutex provides a fixed-size pool of channel-based mutexes
// that support context cancellation. Keys hash onto shards, so memory stays
// bounded regardless of how many keys are seen, at the cost of occasional
// false sharing between keys on the same shard.
type ContextShardedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// LockContext acquires the mutex for the given key, respecting context cancellation.
// On success, returns an unlock function and nil error. The caller MUST call the
// unlock function when done.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	return m.lockShards(ctx, []uint32{m.shardIdx(key)})
}

// LockMany acquires the mutexes for all keys. Shards are taken in ascending
// index order and each shard once, so two callers locking overlapping key
// sets can never deadlock against each other.
func (m *ContextShardedMutex) LockMany(ctx context.Context, keys ...string) (func(), error) {
	return m.lockShards(ctx, m.shardSet(keys))
}

// shardSet returns the sorted, deduplicated shard indexes for keys.
func (m *ContextShardedMutex) shardSet(keys []string) []uint32 {
	idx := make([]uint32, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, m.shardIdx(k))
	}
	slices.Sort(idx)
	return slices.Compact(idx)
}

func (m *ContextShardedMutex) lockShards(ctx context.Context, idx []uint32) (func(), error) {
	m.init()
	acquired := make([]*chanMutex, 0, len(idx))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].ch <- struct{}{}
		}
	}

	for _, i := range idx {
		shard := &m.shards[i]
		select {
		case <-shard.ch:
			acquired = append(acquired, shard)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
