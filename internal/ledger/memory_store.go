package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/holdfast/holdfast/internal/pagination"
	"github.com/holdfast/holdfast/internal/txn"
)

// MemoryStore is an in-memory Store for development and tests. Writes made
// inside a txn unit of work are undone if it rolls back.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
	byOwner map[string]string // owner|currency -> wallet id
	entries map[string][]*Entry
	byRef   map[string]*Entry
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		byOwner: make(map[string]string),
		entries: make(map[string][]*Entry),
		byRef:   make(map[string]*Entry),
	}
}

func ownerKey(ownerID, currency string) string {
	return ownerID + "|" + currency
}

func (m *MemoryStore) CreateWallet(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ownerKey(w.OwnerID, w.Currency)
	if _, ok := m.byOwner[key]; ok {
		return ErrWalletExists
	}
	cp := *w
	m.wallets[w.ID] = &cp
	m.byOwner[key] = w.ID

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.wallets, w.ID)
		delete(m.byOwner, key)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) GetWallet(_ context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

// GetWalletForUpdate is GetWallet; callers already hold the wallet lock.
func (m *MemoryStore) GetWalletForUpdate(ctx context.Context, id string) (*Wallet, error) {
	return m.GetWallet(ctx, id)
}

func (m *MemoryStore) GetWalletByOwner(ctx context.Context, ownerID, currency string) (*Wallet, error) {
	m.mu.RLock()
	id, ok := m.byOwner[ownerKey(ownerID, currency)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrWalletNotFound
	}
	return m.GetWallet(ctx, id)
}

func (m *MemoryStore) ListWalletsByOwner(_ context.Context, ownerID string) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Wallet
	for _, w := range m.wallets {
		if w.OwnerID == ownerID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (m *MemoryStore) ListWallets(_ context.Context, afterID string, limit int) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.wallets))
	for id := range m.wallets {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*Wallet, 0, len(ids))
	for _, id := range ids {
		cp := *m.wallets[id]
		out = append(out, &cp)
	}
	return out, nil
}

// LockWallets only checks existence; the in-process Locker provides mutual
// exclusion for the memory backend.
func (m *MemoryStore) LockWallets(_ context.Context, ids []string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range ids {
		if _, ok := m.wallets[id]; !ok {
			return ErrWalletNotFound
		}
	}
	return nil
}

func (m *MemoryStore) ApplyEntry(ctx context.Context, w *Wallet, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.wallets[w.ID]
	if !ok {
		return ErrWalletNotFound
	}
	if e.ExternalRef != "" {
		if _, dup := m.byRef[e.ExternalRef]; dup {
			return ErrDuplicateReference
		}
	}

	cpW := *w
	cpE := *e
	m.wallets[w.ID] = &cpW
	m.entries[w.ID] = append(m.entries[w.ID], &cpE)
	if e.ExternalRef != "" {
		m.byRef[e.ExternalRef] = &cpE
	}

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.wallets[w.ID] = prev
		list := m.entries[w.ID]
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].ID == e.ID {
				m.entries[w.ID] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if e.ExternalRef != "" {
			delete(m.byRef, e.ExternalRef)
		}
	})
	return nil
}

func (m *MemoryStore) GetEntryByExternalRef(_ context.Context, ref string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byRef[ref]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, walletID string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.entries[walletID]
	out := make([]*Entry, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		e := list[i]
		if before != nil {
			if e.CreatedAt.After(before.CreatedAt) {
				continue
			}
			if e.CreatedAt.Equal(before.CreatedAt) && e.ID >= before.ID {
				continue
			}
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) SumByKind(_ context.Context, walletID string) (map[EntryKind]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[EntryKind]int64, 4)
	for _, e := range m.entries[walletID] {
		sums[e.Kind] += e.AmountCents
	}
	return sums, nil
}

func (m *MemoryStore) EscrowHeldByCurrency(_ context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64)
	for walletID, list := range m.entries {
		cur := m.wallets[walletID].Currency
		for _, e := range list {
			if e.EscrowID == "" {
				continue
			}
			switch e.Kind {
			case KindHold:
				out[cur] += e.AmountCents
			case KindReleaseHold:
				out[cur] -= e.AmountCents
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) SumBalances(_ context.Context) ([]CurrencyBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byCur := make(map[string]*CurrencyBalance)
	for _, w := range m.wallets {
		b, ok := byCur[w.Currency]
		if !ok {
			b = &CurrencyBalance{Currency: w.Currency}
			byCur[w.Currency] = b
		}
		b.Wallets++
		b.AvailableCents += w.AvailableCents
		b.HeldCents += w.HeldCents
	}
	out := make([]CurrencyBalance, 0, len(byCur))
	for _, b := range byCur {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}
