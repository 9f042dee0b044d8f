package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/pkg/kv"
)

type stubManager struct {
	entries map[string]Entry
	calls   int32
}

func (m *stubManager) FetchKey(_ context.Context, kid string) (Entry, error) {
	atomic.AddInt32(&m.calls, 1)
	e, ok := m.entries[kid]
	if !ok {
		return Entry{}, errors.New("jwks: unknown kid")
	}
	return e, nil
}

func (m *stubManager) FetchAll(_ context.Context) ([]Entry, error) {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func testEntry(t *testing.T, kid string) Entry {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return Entry{KeyID: kid, Algorithm: "RS256", PublicKey: &priv.PublicKey}
}

func TestResolve_FetchesFromAuthorityOnTripleMiss(t *testing.T) {
	e := testEntry(t, "kid-1")
	mgr := &stubManager{entries: map[string]Entry{"kid-1": e}}
	shared := kv.NewMemoryStore()
	c := New(shared, mgr)

	key, alg, err := c.Resolve(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.Equal(t, "RS256", alg)
	assert.Equal(t, e.PublicKey, key)
	assert.EqualValues(t, 1, atomic.LoadInt32(&mgr.calls))
}

func TestResolve_SecondCallHitsProcessCache(t *testing.T) {
	e := testEntry(t, "kid-1")
	mgr := &stubManager{entries: map[string]Entry{"kid-1": e}}
	shared := kv.NewMemoryStore()
	c := New(shared, mgr)
	ctx := context.Background()

	_, _, err := c.Resolve(ctx, "kid-1")
	require.NoError(t, err)
	_, _, err = c.Resolve(ctx, "kid-1")
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&mgr.calls), "second resolve should be served from the process tier")
}

func TestResolve_SharedTierHitSkipsAuthority(t *testing.T) {
	e := testEntry(t, "kid-1")
	mgr := &stubManager{entries: map[string]Entry{"kid-1": e}}
	shared := kv.NewMemoryStore()
	c1 := New(shared, mgr)
	ctx := context.Background()

	_, _, err := c1.Resolve(ctx, "kid-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&mgr.calls))

	// A second cache instance, sharing the KV tier but with its own empty
	// process tier, should hit the shared tier rather than the authority.
	mgr2 := &stubManager{entries: map[string]Entry{"kid-1": e}}
	c2 := New(shared, mgr2)
	_, alg, err := c2.Resolve(ctx, "kid-1")
	require.NoError(t, err)
	assert.Equal(t, "RS256", alg)
	assert.EqualValues(t, 0, atomic.LoadInt32(&mgr2.calls), "shared-tier hit must not consult the authority")
}

func TestResolve_ProcessCacheExpiresAfterTTL(t *testing.T) {
	e := testEntry(t, "kid-1")
	mgr := &stubManager{entries: map[string]Entry{"kid-1": e}}
	shared := kv.NewMemoryStore()
	now := time.Now()
	c := New(shared, mgr, WithProcessTTL(time.Minute), WithSharedTTL(time.Minute), WithClock(func() time.Time { return now }))

	ctx := context.Background()
	_, _, err := c.Resolve(ctx, "kid-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&mgr.calls))

	now = now.Add(2 * time.Minute)
	_, _, err = c.Resolve(ctx, "kid-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&mgr.calls), "shared tier should still be warm even after process TTL expiry")
}

func TestResolve_UnknownKidReturnsError(t *testing.T) {
	mgr := &stubManager{entries: map[string]Entry{}}
	shared := kv.NewMemoryStore()
	c := New(shared, mgr)

	_, _, err := c.Resolve(context.Background(), "missing")
	assert.Error(t, err)
}

func TestEvict_ForcesReconsultOfLowerTiers(t *testing.T) {
	e := testEntry(t, "kid-1")
	mgr := &stubManager{entries: map[string]Entry{"kid-1": e}}
	shared := kv.NewMemoryStore()
	c := New(shared, mgr)
	ctx := context.Background()

	_, _, err := c.Resolve(ctx, "kid-1")
	require.NoError(t, err)

	c.Evict("kid-1")
	_, _, err = c.Resolve(ctx, "kid-1")
	require.NoError(t, err)
	// Shared tier was already populated by the first resolve, so the
	// authority should still only have been consulted once.
	assert.EqualValues(t, 1, atomic.LoadInt32(&mgr.calls))
}

func TestDocument_BuildsJWKSFromEntries(t *testing.T) {
	e1 := testEntry(t, "kid-1")
	e2 := testEntry(t, "kid-2")

	doc := Document([]Entry{e1, e2})
	require.Len(t, doc.Keys, 2)
	kids := []string{doc.Keys[0].KeyID, doc.Keys[1].KeyID}
	assert.Contains(t, kids, "kid-1")
	assert.Contains(t, kids, "kid-2")
}
