// Package kv is the shared-store adapter named in spec §2 ("KV adapter:
// Shared-store get/put/delete with TTL, JSON codec"). It is the multi-writer
// shared tier consumed by the JWKS cache and, optionally, by actors that
// want a fast cross-process mirror of their hot state.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: not found")

// Store is the shared-store contract. Implementations must treat every
// value as opaque bytes; JSON codec helpers (GetJSON/PutJSON below) build
// on top of Get/Put.
type Store interface {
	// Get returns the raw value for key, or ErrNotFound if absent/expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key with the given TTL. A zero TTL means no
	// expiration.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteBatch removes multiple keys in one round-trip where possible,
	// per spec §4.2 ("issues a single batched durable delete").
	DeleteBatch(ctx context.Context, keys []string) error
	// ScanPrefix streams keys (and values) sharing the given prefix, used
	// by §9's "table-like view ... computed by streaming a prefix from the
	// durable store". (list_user_sessions uses db.Store.ScanByOwner, not
	// this method.)
	ScanPrefix(ctx context.Context, prefix string) (iter Iterator, err error)
	// Close releases any held resources (connections, background timers).
	Close() error
}

// Iterator walks key/value pairs returned by ScanPrefix.
type Iterator interface {
	// Next advances the iterator. Returns false when exhausted or on error;
	// call Err() to distinguish.
	Next(ctx context.Context) bool
	Key() string
	Value() []byte
	Err() error
}

// GetJSON fetches key and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// PutJSON marshals v and stores it under key with the given TTL.
func PutJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, raw, ttl)
}
