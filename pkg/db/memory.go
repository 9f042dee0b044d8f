package db

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store, used in tests and single-instance
// deployments that do not need a relational backend.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]map[string]row // table -> id -> row
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]map[string]row)}
}

func (m *MemoryStore) table(name string) map[string]row {
	t, ok := m.rows[name]
	if !ok {
		t = make(map[string]row)
		m.rows[name] = t
	}
	return t
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(_ context.Context, table, id, owner string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(table)[id] = row{ID: id, Owner: owner, Value: stored}
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, table, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.table(table)[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Value, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.table(table), id)
	return nil
}

// DeleteBatch implements Store.
func (m *MemoryStore) DeleteBatch(_ context.Context, table string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	for _, id := range ids {
		delete(t, id)
	}
	return nil
}

// ScanByOwner implements Store.
func (m *MemoryStore) ScanByOwner(_ context.Context, table, owner string) (Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []row
	for _, r := range m.table(table) {
		if r.Owner == owner {
			rows = append(rows, r)
		}
	}
	return &memIterator{rows: rows, idx: -1}, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

type memIterator struct {
	rows []row
	idx  int
}

func (it *memIterator) Next(_ context.Context) bool {
	it.idx++
	return it.idx < len(it.rows)
}

func (it *memIterator) ID() string    { return it.rows[it.idx].ID }
func (it *memIterator) Value() []byte { return it.rows[it.idx].Value }
func (it *memIterator) Err() error    { return nil }
