package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/holdfast/holdfast/internal/pagination"
	"github.com/holdfast/holdfast/internal/txn"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// Writes inside a txn unit of work are undone on rollback.
type MemoryStore struct {
	mu         sync.RWMutex
	escrows    map[string]*Escrow
	milestones map[string][]*Milestone // by escrow id
	shipments  map[string][]*Shipment  // by escrow id, oldest first
	shortRefs  map[string]bool
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:    make(map[string]*Escrow),
		milestones: make(map[string][]*Milestone),
		shipments:  make(map[string][]*Shipment),
		shortRefs:  make(map[string]bool),
	}
}

// copyEscrow copies everything the store owns; milestones live separately.
func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	cp.Milestones = nil
	if e.DeliveryDetails != nil {
		d := *e.DeliveryDetails
		cp.DeliveryDetails = &d
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[e.ID] = copyEscrow(e)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.escrows, e.ID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

// GetForUpdate is Get; the service's Locker serializes writers.
func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*Escrow, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	m.escrows[e.ID] = copyEscrow(e)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.escrows[e.ID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) ListByParty(_ context.Context, userID string, before *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID != userID && e.SellerID != userID {
			continue
		}
		if before != nil && !olderThan(e.CreatedAt, e.ID, before) {
			continue
		}
		out = append(out, copyEscrow(e))
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

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, createdBefore time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, e := range m.escrows {
		if e.Status == status && e.CreatedAt.Before(createdBefore) {
			out = append(out, copyEscrow(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Totals(_ context.Context) ([]StatusTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type key struct {
		currency string
		status   Status
	}
	acc := make(map[key]*StatusTotal)
	for _, e := range m.escrows {
		k := key{e.Currency, e.Status}
		t, ok := acc[k]
		if !ok {
			t = &StatusTotal{Currency: e.Currency, Status: e.Status}
			acc[k] = t
		}
		t.Count++
		t.AmountCents += e.AmountCents
		t.FeeCents += e.FeeCents
		t.ReleasedCents += e.ReleasedCents
		t.RefundedCents += e.RefundedCents
	}
	out := make([]StatusTotal, 0, len(acc))
	for _, t := range acc {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Currency != out[j].Currency {
			return out[i].Currency < out[j].Currency
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func (m *MemoryStore) AddMilestone(ctx context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ms
	m.milestones[ms.EscrowID] = append(m.milestones[ms.EscrowID], &cp)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.milestones[ms.EscrowID]
		for i, x := range list {
			if x.ID == ms.ID {
				m.milestones[ms.EscrowID] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (m *MemoryStore) ListMilestones(_ context.Context, escrowID string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.milestones[escrowID]
	out := make([]*Milestone, 0, len(list))
	for _, ms := range list {
		cp := *ms
		out = append(out, &cp)
	}
	sortMilestones(out)
	return out, nil
}

func (m *MemoryStore) UpdateMilestone(ctx context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, x := range m.milestones[ms.EscrowID] {
		if x.ID != ms.ID {
			continue
		}
		prev := x
		cp := *ms
		m.milestones[ms.EscrowID][i] = &cp
		txn.OnRollback(ctx, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for j, y := range m.milestones[ms.EscrowID] {
				if y.ID == ms.ID {
					m.milestones[ms.EscrowID][j] = prev
				}
			}
		})
		return nil
	}
	return ErrMilestoneNotFound
}

func (m *MemoryStore) CreateShipment(ctx context.Context, sh *Shipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, x := range m.shipments[sh.EscrowID] {
		if x.ConfirmedAt == nil {
			return ErrInvalidStatus
		}
	}
	cp := *sh
	m.shipments[sh.EscrowID] = append(m.shipments[sh.EscrowID], &cp)
	m.shortRefs[sh.ShortReference] = true
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.shipments[sh.EscrowID]
		m.shipments[sh.EscrowID] = list[:len(list)-1]
		delete(m.shortRefs, sh.ShortReference)
	})
	return nil
}

func (m *MemoryStore) GetShipment(_ context.Context, escrowID string) (*Shipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.shipments[escrowID]
	if len(list) == 0 {
		return nil, ErrShipmentNotFound
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (m *MemoryStore) UpdateShipment(ctx context.Context, sh *Shipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, x := range m.shipments[sh.EscrowID] {
		if x.ID != sh.ID {
			continue
		}
		prev := x
		cp := *sh
		m.shipments[sh.EscrowID][i] = &cp
		txn.OnRollback(ctx, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for j, y := range m.shipments[sh.EscrowID] {
				if y.ID == sh.ID {
					m.shipments[sh.EscrowID][j] = prev
				}
			}
		})
		return nil
	}
	return ErrShipmentNotFound
}
