package fees

import (
	"context"
	"sync"

	"github.com/holdfast/holdfast/internal/txn"
)

// MemoryStore keeps the policy in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	policy *Policy
}

// NewMemoryStore creates an empty in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Get(_ context.Context) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.policy == nil {
		return nil, ErrNotFound
	}
	cp := *m.policy
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, p *Policy) error {
	m.mu.Lock()
	prev := m.policy
	cp := *p
	m.policy = &cp
	m.mu.Unlock()

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.policy = prev
		m.mu.Unlock()
	})
	return nil
}
