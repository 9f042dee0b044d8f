package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/pkg/idgen"
)

func TestMemoryStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, "k1", []byte("v1"), 0))
	v, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := idgen.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewMemoryStore(WithClock(clock))

	require.NoError(t, s.Put(ctx, "k1", []byte("v1"), time.Minute))

	clock.Advance(30 * time.Second)
	v, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	clock.Advance(31 * time.Second)
	_, err = s.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "k1", []byte("v1"), 0))
	require.NoError(t, s.Delete(ctx, "k1"))
	_, err := s.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting missing key is not an error
	assert.NoError(t, s.Delete(ctx, "nope"))
}

func TestMemoryStore_DeleteBatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "a", []byte("1"), 0))
	require.NoError(t, s.Put(ctx, "b", []byte("2"), 0))
	require.NoError(t, s.Put(ctx, "c", []byte("3"), 0))

	require.NoError(t, s.DeleteBatch(ctx, []string{"a", "b"}))

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)
	v, err := s.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), v)
}

func TestMemoryStore_ScanPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "u:1:sess1", []byte("a"), 0))
	require.NoError(t, s.Put(ctx, "u:1:sess2", []byte("b"), 0))
	require.NoError(t, s.Put(ctx, "u:2:sess3", []byte("c"), 0))

	it, err := s.ScanPrefix(ctx, "u:1:")
	require.NoError(t, err)

	var keys []string
	for it.Next(ctx) {
		keys = append(keys, it.Key())
	}
	require.NoError(t, it.Err())
	assert.ElementsMatch(t, []string{"u:1:sess1", "u:1:sess2"}, keys)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	type payload struct {
		Name string `json:"name"`
	}

	require.NoError(t, PutJSON(ctx, s, "p1", payload{Name: "x"}, 0))

	var got payload
	require.NoError(t, GetJSON(ctx, s, "p1", &got))
	assert.Equal(t, "x", got.Name)
}
