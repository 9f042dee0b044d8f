package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_ReturnsValue(t *testing.T) {
	r := New()
	ctx := context.Background()

	v, err := Submit(ctx, r, "shard-1", func(_ context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestSubmit_PropagatesError(t *testing.T) {
	r := New()
	ctx := context.Background()
	wantErr := errors.New("boom")

	_, err := Submit(ctx, r, "shard-1", func(_ context.Context) (int, error) {
		return 0, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

// TestSubmit_SerializesSameShard verifies that concurrent operations on the
// same shard never interleave: each increments a counter read-then-write
// with an artificial delay, which would produce lost updates under a race.
func TestSubmit_SerializesSameShard(t *testing.T) {
	r := New()
	ctx := context.Background()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Submit(ctx, r, "same-shard", func(_ context.Context) (struct{}, error) {
				cur := counter
				time.Sleep(time.Microsecond)
				counter = cur + 1
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

// TestSubmit_DifferentShardsRunInParallel verifies shards do not serialize
// against each other.
func TestSubmit_DifferentShardsRunInParallel(t *testing.T) {
	r := New()
	ctx := context.Background()

	const n = 20
	release := make(chan struct{})
	var inFlight int32
	var maxInFlight int32
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		shard := string(rune('a' + i))
		go func() {
			defer wg.Done()
			_, _ = Submit(ctx, r, shard, func(_ context.Context) (struct{}, error) {
				cur := atomic.AddInt32(&inFlight, 1)
				mu.Lock()
				if cur > maxInFlight {
					maxInFlight = cur
				}
				mu.Unlock()
				<-release
				atomic.AddInt32(&inFlight, -1)
				return struct{}{}, nil
			})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Greater(t, int(maxInFlight), 1, "expected operations on distinct shards to overlap")
}

func TestSubmit_ContextCancellation(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started := make(chan struct{})
	go func() {
		_, _ = Submit(context.Background(), r, "busy-shard", func(_ context.Context) (struct{}, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return struct{}{}, nil
		})
	}()
	<-started

	_, err := Submit(ctx, r, "busy-shard", func(_ context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRuntime_ShardReaping(t *testing.T) {
	r := New(WithIdleTimeout(10 * time.Millisecond))
	ctx := context.Background()

	_, err := Submit(ctx, r, "ephemeral", func(_ context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.ShardCount())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, r.ShardCount())

	// Shard is recreated transparently on next use.
	_, err = Submit(ctx, r, "ephemeral", func(_ context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	require.NoError(t, err)
}
