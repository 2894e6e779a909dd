package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/holdfast/holdfast/internal/txn"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	active   map[string]string // escrow id -> active dispute id
	messages map[string][]*Message
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		active:   make(map[string]string),
		messages: make(map[string][]*Message),
	}
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.Messages = nil
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[d.EscrowID]; ok {
		return ErrActiveDispute
	}
	m.disputes[d.ID] = copyDispute(d)
	m.active[d.EscrowID] = d.ID
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.disputes, d.ID)
		delete(m.active, d.EscrowID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

// GetForUpdate is Get; callers hold the escrow lock.
func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*Dispute, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	m.disputes[d.ID] = copyDispute(d)
	if !d.Status.Active() {
		delete(m.active, d.EscrowID)
	}
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.disputes[d.ID] = prev
		if prev.Status.Active() {
			m.active[prev.EscrowID] = prev.ID
		}
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) GetActiveByEscrow(_ context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.active[escrowID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(m.disputes[id]), nil
}

func (m *MemoryStore) list(limit int, keep func(*Dispute) bool) []*Dispute {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if keep(d) {
			out = append(out, copyDispute(d))
		}
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
	return out
}

func (m *MemoryStore) ListByParty(_ context.Context, userID string, limit int) ([]*Dispute, error) {
	return m.list(limit, func(d *Dispute) bool { return d.IsParty(userID) }), nil
}

func (m *MemoryStore) ListActive(_ context.Context, limit int) ([]*Dispute, error) {
	return m.list(limit, func(d *Dispute) bool { return d.Status.Active() }), nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Dispute, error) {
	return m.list(limit, func(d *Dispute) bool {
		if _, ok := d.Status.next(); !ok {
			return false
		}
		return d.StageDeadline != nil && !d.StageDeadline.After(now)
	}), nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	m.messages[msg.DisputeID] = append(m.messages[msg.DisputeID], &cp)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.messages[msg.DisputeID]
		for i, x := range list {
			if x.ID == msg.ID {
				m.messages[msg.DisputeID] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, disputeID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.messages[disputeID]
	out := make([]*Message, 0, len(list))
	for _, msg := range list {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}
