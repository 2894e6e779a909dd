package users

import (
	"context"
	"sync"

	"github.com/holdfast/holdfast/internal/txn"
)

// MemoryStore is an in-memory user store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*User
	byPhone map[string]string
	kyc     map[string]*KYCResult
}

// NewMemoryStore creates a new in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		byPhone: make(map[string]string),
		kyc:     make(map[string]*KYCResult),
	}
}

func copyUser(u *User) *User {
	cp := *u
	cp.Roles = append([]string(nil), u.Roles...)
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byPhone[u.Phone]; ok {
		return ErrPhoneTaken
	}
	m.users[u.ID] = copyUser(u)
	m.byPhone[u.Phone] = u.ID
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.users, u.ID)
		delete(m.byPhone, u.Phone)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(u), nil
}

func (m *MemoryStore) Update(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.users[u.ID]
	if !ok {
		return ErrUserNotFound
	}
	m.users[u.ID] = copyUser(u)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.users[u.ID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) CreateKYCResult(ctx context.Context, r *KYCResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.kyc[r.Reference]; ok {
		return ErrDuplicateKYC
	}
	cp := *r
	m.kyc[r.Reference] = &cp
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.kyc, r.Reference)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) GetKYCResult(_ context.Context, reference string) (*KYCResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.kyc[reference]
	if !ok {
		return nil, ErrKYCNotFound
	}
	cp := *r
	return &cp, nil
}
