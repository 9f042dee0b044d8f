package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first N calls to each mutating method, then delegates
// to an in-memory store.
type flakyStore struct {
	*MemoryStore
	failuresLeft int
}

func (f *flakyStore) Upsert(ctx context.Context, table, id, owner string, value []byte) error {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return errors.New("transient failure")
	}
	return f.MemoryStore.Upsert(ctx, table, id, owner, value)
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failuresLeft: 2}
	store := WithRetry(inner, RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond})

	err := store.Upsert(ctx, "sessions", "s1", "u1", []byte("v"))
	require.NoError(t, err)

	v, err := store.Get(ctx, "sessions", "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestWithRetry_PropagatesTerminalFailure(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failuresLeft: 10}
	store := WithRetry(inner, RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond})

	err := store.Upsert(ctx, "sessions", "s1", "u1", []byte("v"))
	assert.Error(t, err)
}
