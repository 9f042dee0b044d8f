// Package jwks implements the hierarchical JWKS cache of spec §2/§4.6/§9:
// "process memory (5 min) -> shared KV (60 s) -> authoritative Key Manager
// actor". It feeds signature verification for introspection and revocation.
package jwks

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	josejwk "github.com/go-jose/go-jose/v4"

	"github.com/sgrastar/authrim/pkg/kv"
	"github.com/sgrastar/authrim/pkg/logger"
)

// DefaultProcessCacheTTL is spec §6's jwks_process_cache_ttl_s default.
const DefaultProcessCacheTTL = 5 * time.Minute

// DefaultSharedCacheTTL is spec §6's jwks_shared_cache_ttl_s default.
const DefaultSharedCacheTTL = 60 * time.Second

const sharedKVKeyPrefix = "jwks:"

// KeyManager is the authoritative external collaborator: "a cryptographic
// key provider" (spec §1). It is consulted only after both cache tiers
// miss.
//
//go:generate mockgen -destination=mocks/mock_keymanager.go -package=mocks -source=jwks.go KeyManager
type KeyManager interface {
	// FetchKey returns the public key material and algorithm for kid, or an
	// error if kid is unknown to the key manager.
	FetchKey(ctx context.Context, kid string) (Entry, error)
	// FetchAll returns every currently-active public key, used to build the
	// JWKS document (spec §6).
	FetchAll(ctx context.Context) ([]Entry, error)
}

// Entry is the JWKS Entry data model of spec §3: "{ kid, kty=RSA|EC, n/e or
// x/y/crv, use:"sig", alg }. Public-only."
type Entry struct {
	KeyID     string
	Algorithm string // RS256, ES256
	PublicKey any    // *rsa.PublicKey or *ecdsa.PublicKey
}

// toJOSE converts Entry to a go-jose JSONWebKey for document marshaling.
func (e Entry) toJOSE() josejwk.JSONWebKey {
	return josejwk.JSONWebKey{
		Key:       e.PublicKey,
		KeyID:     e.KeyID,
		Algorithm: e.Algorithm,
		Use:       "sig",
	}
}

// Document builds the `{ "keys": [JWK...] }` JWKS document of spec §6.
func Document(entries []Entry) josejwk.JSONWebKeySet {
	set := josejwk.JSONWebKeySet{Keys: make([]josejwk.JSONWebKey, 0, len(entries))}
	for _, e := range entries {
		set.Keys = append(set.Keys, e.toJOSE())
	}
	return set
}

type processCacheEntry struct {
	entry    Entry
	cachedAt time.Time
}

// Cache is the hierarchical JWKS cache. The zero value is not usable;
// construct with New.
type Cache struct {
	mu         sync.RWMutex
	process    map[string]processCacheEntry
	shared     kv.Store
	authority  KeyManager
	processTTL time.Duration
	sharedTTL  time.Duration
	clockNow   func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithProcessTTL overrides the process-memory tier TTL.
func WithProcessTTL(d time.Duration) Option { return func(c *Cache) { c.processTTL = d } }

// WithSharedTTL overrides the shared-KV tier TTL.
func WithSharedTTL(d time.Duration) Option { return func(c *Cache) { c.sharedTTL = d } }

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.clockNow = now } }

// New constructs a Cache backed by shared (the multi-writer shared KV tier)
// and authority (the authoritative Key Manager).
func New(shared kv.Store, authority KeyManager, opts ...Option) *Cache {
	c := &Cache{
		process:    make(map[string]processCacheEntry),
		shared:     shared,
		authority:  authority,
		processTTL: DefaultProcessCacheTTL,
		sharedTTL:  DefaultSharedCacheTTL,
		clockNow:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the public key and algorithm for kid, consulting the
// cache hierarchy in order: process -> shared KV -> authority. A hit at any
// tier populates every tier above it (spec §9: "kid miss after shared-KV
// miss triggers authoritative refresh, then populates both tiers").
func (c *Cache) Resolve(ctx context.Context, kid string) (any, string, error) {
	if e, ok := c.processHit(kid); ok {
		return e.PublicKey, e.Algorithm, nil
	}

	if e, ok, err := c.sharedHit(ctx, kid); err == nil && ok {
		c.populateProcess(kid, e)
		return e.PublicKey, e.Algorithm, nil
	}

	logger.Debugw("jwks cache miss at all tiers, consulting authority", "kid", kid)
	e, err := c.authority.FetchKey(ctx, kid)
	if err != nil {
		return nil, "", fmt.Errorf("jwks: authoritative fetch for kid %q failed: %w", kid, err)
	}
	c.populateProcess(kid, e)
	if err := c.populateShared(ctx, e); err != nil {
		logger.Warnw("jwks: failed to populate shared cache tier", "kid", kid, "err", err.Error())
	}
	return e.PublicKey, e.Algorithm, nil
}

func (c *Cache) processHit(kid string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pe, ok := c.process[kid]
	if !ok || c.clockNow().Sub(pe.cachedAt) >= c.processTTL {
		return Entry{}, false
	}
	return pe.entry, true
}

func (c *Cache) populateProcess(kid string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.process[kid] = processCacheEntry{entry: e, cachedAt: c.clockNow()}
}

func (c *Cache) sharedHit(ctx context.Context, kid string) (Entry, bool, error) {
	raw, err := c.shared.Get(ctx, sharedKVKeyPrefix+kid)
	if errors.Is(err, kv.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	jwk := josejwk.JSONWebKey{}
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return Entry{}, false, err
	}
	return Entry{KeyID: jwk.KeyID, Algorithm: jwk.Algorithm, PublicKey: jwk.Key}, true, nil
}

func (c *Cache) populateShared(ctx context.Context, e Entry) error {
	jwk := e.toJOSE()
	raw, err := jwk.MarshalJSON()
	if err != nil {
		return err
	}
	return c.shared.Put(ctx, sharedKVKeyPrefix+e.KeyID, raw, c.sharedTTL)
}

// Evict removes kid from the process tier, used when a key rotation is
// observed out-of-band (spec §9: "an implementation must ensure cache
// invalidation on observed key rotation").
func (c *Cache) Evict(kid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.process, kid)
}

// compile-time sanity: public key types we expect to round-trip through jose.
var (
	_ = (*rsa.PublicKey)(nil)
	_ = (*ecdsa.PublicKey)(nil)
)
