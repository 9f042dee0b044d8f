package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sgrastar/authrim/pkg/idgen"
)

// MemoryStore is an in-process Store, suitable as the process-memory tier
// of the JWKS cache or for single-instance deployments and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]memEntry
	clock idgen.Clock
}

type memEntry struct {
	value    []byte
	expireAt time.Time // zero means no expiration
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithClock overrides the clock used for TTL expiration, for tests.
func WithClock(c idgen.Clock) MemoryStoreOption {
	return func(s *MemoryStore) { s.clock = c }
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		data:  make(map[string]memEntry),
		clock: idgen.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok || e.expired(s.clock.Now()) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expireAt time.Time
	if ttl > 0 {
		expireAt = s.clock.Now().Add(ttl)
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = memEntry{value: stored, expireAt: expireAt}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// DeleteBatch implements Store.
func (s *MemoryStore) DeleteBatch(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

// ScanPrefix implements Store.
func (s *MemoryStore) ScanPrefix(_ context.Context, prefix string) (Iterator, error) {
	now := s.clock.Now()
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return &memIterator{store: s, keys: keys, idx: -1}, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

type memIterator struct {
	store *MemoryStore
	keys  []string
	idx   int
	cur   []byte
}

func (it *memIterator) Next(ctx context.Context) bool {
	it.idx++
	if it.idx >= len(it.keys) {
		return false
	}
	v, err := it.store.Get(ctx, it.keys[it.idx])
	if err != nil {
		// Key expired/evicted between scan and fetch; skip it.
		return it.Next(ctx)
	}
	it.cur = v
	return true
}

func (it *memIterator) Key() string   { return it.keys[it.idx] }
func (it *memIterator) Value() []byte { return it.cur }
func (it *memIterator) Err() error    { return nil }
