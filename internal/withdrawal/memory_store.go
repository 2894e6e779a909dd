package withdrawal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/holdfast/holdfast/internal/pagination"
	"github.com/holdfast/holdfast/internal/txn"
)

// MemoryStore is an in-memory withdrawal store for demo/development mode.
type MemoryStore struct {
	mu          sync.RWMutex
	withdrawals map[string]*Withdrawal
}

// NewMemoryStore creates a new in-memory withdrawal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{withdrawals: make(map[string]*Withdrawal)}
}

func copyWithdrawal(w *Withdrawal) *Withdrawal {
	cp := *w
	if w.MethodDetails != nil {
		cp.MethodDetails = make(map[string]string, len(w.MethodDetails))
		for k, v := range w.MethodDetails {
			cp.MethodDetails[k] = v
		}
	}
	if w.ProcessedAt != nil {
		t := *w.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.withdrawals[w.ID] = copyWithdrawal(w)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.withdrawals, w.ID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return copyWithdrawal(w), nil
}

// GetForUpdate is Get; callers hold the withdrawal lock.
func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*Withdrawal, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(ctx context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.withdrawals[w.ID]
	if !ok {
		return ErrWithdrawalNotFound
	}
	m.withdrawals[w.ID] = copyWithdrawal(w)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.withdrawals[w.ID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, before *pagination.Cursor, limit int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Withdrawal
	for _, w := range m.withdrawals {
		if w.UserID != userID {
			continue
		}
		if before != nil && !olderThan(w.CreatedAt, w.ID, before) {
			continue
		}
		out = append(out, copyWithdrawal(w))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func olderThan(createdAt time.Time, id string, c *pagination.Cursor) bool {
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Withdrawal
	for _, w := range m.withdrawals {
		if w.Status == status {
			out = append(out, copyWithdrawal(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PendingByCurrency(_ context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64)
	for _, w := range m.withdrawals {
		if w.Status == StatusRequested {
			out[w.Currency] += w.HeldCents()
		}
	}
	return out, nil
}
