package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/pkg/idgen"
)

// TestIncrement_S6_RateLimit mirrors scenario S6: 110 sequential increments
// from the same client_ip with {window_s:60, max_requests:100} -> first 100
// allowed, next 10 denied with retry_after in [1, 60].
func TestIncrement_S6_RateLimit(t *testing.T) {
	c := NewCounter()
	ctx := context.Background()
	cfg := Config{WindowSeconds: 60, MaxRequests: 100}

	var lastDenied Result
	for i := 0; i < 110; i++ {
		res, err := c.Increment(ctx, "1.2.3.4", cfg)
		require.NoError(t, err)
		if i < 100 {
			assert.True(t, res.Allowed, "request %d should be allowed", i+1)
		} else {
			assert.False(t, res.Allowed, "request %d should be denied", i+1)
			lastDenied = res
		}
	}

	assert.GreaterOrEqual(t, lastDenied.RetryAfter, time.Second)
	assert.LessOrEqual(t, lastDenied.RetryAfter, 60*time.Second)
}

func TestIncrement_WindowResets(t *testing.T) {
	clock := idgen.NewFixedClock(time.Now())
	c := NewCounter(WithClock(clock))
	ctx := context.Background()
	cfg := Config{WindowSeconds: 60, MaxRequests: 1}

	res, err := c.Increment(ctx, "1.2.3.4", cfg)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = c.Increment(ctx, "1.2.3.4", cfg)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	clock.Advance(61 * time.Second)
	res, err = c.Increment(ctx, "1.2.3.4", cfg)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Current)
}

func TestIncrement_DistinctClientIPsDoNotShareCounters(t *testing.T) {
	c := NewCounter()
	ctx := context.Background()
	cfg := Config{WindowSeconds: 60, MaxRequests: 1}

	res1, err := c.Increment(ctx, "1.1.1.1", cfg)
	require.NoError(t, err)
	assert.True(t, res1.Allowed)

	res2, err := c.Increment(ctx, "2.2.2.2", cfg)
	require.NoError(t, err)
	assert.True(t, res2.Allowed)
}

func TestSweep_RemovesStaleRecordsPastRetention(t *testing.T) {
	clock := idgen.NewFixedClock(time.Now())
	c := NewCounter(WithClock(clock))
	ctx := context.Background()
	cfg := Config{WindowSeconds: 60, MaxRequests: 100}

	_, err := c.Increment(ctx, "1.2.3.4", cfg)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	clock.Advance(2 * time.Hour)
	c.sweep(clock.Now())
	assert.Equal(t, 0, c.Len())
}

func TestSweep_ExportedWrapperMatchesInlineSweep(t *testing.T) {
	clock := idgen.NewFixedClock(time.Now())
	c := NewCounter(WithClock(clock))
	ctx := context.Background()
	cfg := Config{WindowSeconds: 60, MaxRequests: 100}

	_, err := c.Increment(ctx, "9.9.9.9", cfg)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	clock.Advance(2 * time.Hour)
	c.Sweep()
	assert.Equal(t, 0, c.Len())
}
