package kv

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"time"
)

// RedisStore is a Store backed by Redis, used as the multi-writer shared KV
// tier (spec §5: "The shared KV ... is multiple-writer; values are
// idempotent ... or have a short TTL so that last-writer-wins is harmless").
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStoreWithClient wraps an already-configured redis client, namespacing
// all keys under prefix. Mirrors the teacher's NewRedisStorageWithClient(client, prefix)
// constructor shape.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// DeleteBatch implements Store, issuing a single pipelined DEL.
func (s *RedisStore) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	return s.client.Del(ctx, full...).Err()
}

// ScanPrefix implements Store using Redis SCAN, non-blocking and
// cluster-safe, per spec §9's "streaming a prefix from the durable store".
func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string) (Iterator, error) {
	return &redisIterator{
		ctx:    ctx,
		client: s.client,
		match:  s.key(prefix) + "*",
		prefix: s.prefix,
	}, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	if closer, ok := s.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

type redisIterator struct {
	ctx    context.Context
	client redis.UniversalClient
	match  string
	prefix string

	iter *redis.ScanIterator
	key  string
	val  []byte
	err  error
}

func (it *redisIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.iter == nil {
		it.iter = it.client.Scan(ctx, 0, it.match, 100).Iterator()
	}
	for it.iter.Next(ctx) {
		full := it.iter.Val()
		val, err := it.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // evicted between SCAN and GET
		}
		if err != nil {
			it.err = err
			return false
		}
		it.key = trimPrefix(full, it.prefix)
		it.val = val
		return true
	}
	it.err = it.iter.Err()
	return false
}

func trimPrefix(s, prefix string) string {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

func (it *redisIterator) Key() string   { return it.key }
func (it *redisIterator) Value() []byte { return it.val }
func (it *redisIterator) Err() error    { return it.err }
