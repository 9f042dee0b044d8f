package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test:kv:")
	return store, mr
}

func withRedisStore(t *testing.T, fn func(context.Context, *RedisStore, *miniredis.Miniredis)) {
	t.Helper()
	store, mr := newTestRedisStore(t)
	defer func() {
		_ = store.Close()
		mr.Close()
	}()
	fn(context.Background(), store, mr)
}

func TestRedisStore_PutGet(t *testing.T) {
	withRedisStore(t, func(ctx context.Context, s *RedisStore, _ *miniredis.Miniredis) {
		require.NoError(t, s.Put(ctx, "k1", []byte("v1"), 0))
		v, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), v)
	})
}

func TestRedisStore_GetMissing(t *testing.T) {
	withRedisStore(t, func(ctx context.Context, s *RedisStore, _ *miniredis.Miniredis) {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	withRedisStore(t, func(ctx context.Context, s *RedisStore, mr *miniredis.Miniredis) {
		require.NoError(t, s.Put(ctx, "k1", []byte("v1"), time.Minute))
		mr.FastForward(61 * time.Second)

		_, err := s.Get(ctx, "k1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRedisStore_DeleteBatch(t *testing.T) {
	withRedisStore(t, func(ctx context.Context, s *RedisStore, _ *miniredis.Miniredis) {
		require.NoError(t, s.Put(ctx, "a", []byte("1"), 0))
		require.NoError(t, s.Put(ctx, "b", []byte("2"), 0))

		require.NoError(t, s.DeleteBatch(ctx, []string{"a", "b"}))

		_, err := s.Get(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "b")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRedisStore_ScanPrefix(t *testing.T) {
	withRedisStore(t, func(ctx context.Context, s *RedisStore, _ *miniredis.Miniredis) {
		require.NoError(t, s.Put(ctx, "u:1:a", []byte("1"), 0))
		require.NoError(t, s.Put(ctx, "u:1:b", []byte("2"), 0))
		require.NoError(t, s.Put(ctx, "u:2:c", []byte("3"), 0))

		it, err := s.ScanPrefix(ctx, "u:1:")
		require.NoError(t, err)

		var keys []string
		for it.Next(ctx) {
			keys = append(keys, it.Key())
		}
		require.NoError(t, it.Err())
		assert.ElementsMatch(t, []string{"u:1:a", "u:1:b"}, keys)
	})
}

func TestRedisStore_NamespacePrefix_Isolation(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s1 := NewRedisStoreWithClient(client, "ns1:")
	s2 := NewRedisStoreWithClient(client, "ns2:")
	ctx := context.Background()

	require.NoError(t, s1.Put(ctx, "k", []byte("from-ns1"), 0))
	_, err := s2.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}
