package idempotency

import (
	"context"
	"sync"
	"time"
)

type recordKey struct{ scope, key string }

// MemoryStore keeps idempotency records in memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]*Record)}
}

func (m *MemoryStore) Reserve(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := recordKey{rec.Scope, rec.Key}
	if _, ok := m.records[k]; ok {
		return ErrExists
	}
	cp := *rec
	m.records[k] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, scope, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordKey{scope, key}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	return &cp, nil
}

func (m *MemoryStore) Complete(_ context.Context, scope, key string, statusCode int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordKey{scope, key}]
	if !ok {
		return ErrNotFound
	}
	rec.StatusCode = statusCode
	rec.ResponseBody = append([]byte(nil), body...)
	rec.Completed = true
	return nil
}

func (m *MemoryStore) Release(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, recordKey{scope, key})
	return nil
}

func (m *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, rec := range m.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}
