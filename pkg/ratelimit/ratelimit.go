// Package ratelimit implements the Rate Limit Counter actor of spec §4.5: a
// serialized per-shard fixed-window counter gating security-sensitive
// endpoints, sharded per client_ip.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sgrastar/authrim/pkg/actor"
	"github.com/sgrastar/authrim/pkg/idgen"
)

// CleanupThreshold is spec §4.5's self-throttling trigger: "the sweep is
// self-throttled to fire when record count exceeds 10 000".
const CleanupThreshold = 10000

// RetentionAfterWindow is spec §4.5's cleanup bound: "removes records with
// now >= reset_at + 3600 s".
const RetentionAfterWindow = time.Hour

// Config is the increment() window configuration of spec §4.5.
type Config struct {
	WindowSeconds int64
	MaxRequests   int64
}

// Result is increment()'s response shape.
type Result struct {
	Allowed    bool
	Current    int64
	Limit      int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

type record struct {
	count          int64
	resetAt        time.Time
	firstRequestAt time.Time
}

// Counter is the Rate Limit Counter actor. Although each client_ip is its
// own actor shard, the shards share one underlying records map (there is no
// per-shard heap in this actor runtime), so access to it is additionally
// guarded by mu; the actor still supplies the ordering guarantee that
// matters (no two increments for the same client_ip interleave).
type Counter struct {
	runtime *actor.Runtime
	clock   idgen.Clock
	mu      sync.Mutex
	records map[string]record
}

// Option configures a Counter.
type Option func(*Counter)

// WithClock overrides the clock, for tests.
func WithClock(c idgen.Clock) Option { return func(ctr *Counter) { ctr.clock = c } }

// WithRuntime overrides the actor runtime.
func WithRuntime(r *actor.Runtime) Option { return func(ctr *Counter) { ctr.runtime = r } }

// NewCounter constructs a Counter. Unlike the other actors, the rate
// counter needs no durable tier (spec §4.5 describes no cold-storage
// requirement): a process restart resetting in-flight windows is an
// acceptable availability/strictness tradeoff for a denial-of-service
// guard, not a security-integrity one.
func NewCounter(opts ...Option) *Counter {
	c := &Counter{runtime: actor.New(), clock: idgen.SystemClock{}, records: make(map[string]record)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Increment atomically advances the counter for client_ip per spec §4.5's
// fixed-window algorithm. Atomicity is obtained purely from the actor's
// single-writer-per-shard guarantee.
func (c *Counter) Increment(ctx context.Context, clientIP string, cfg Config) (Result, error) {
	return actor.Submit(ctx, c.runtime, clientIP, func(ctx context.Context) (Result, error) {
		now := c.clock.Now()

		c.mu.Lock()
		rec, ok := c.records[clientIP]
		if !ok || !now.Before(rec.resetAt) {
			rec = record{
				count:          1,
				resetAt:        now.Add(time.Duration(cfg.WindowSeconds) * time.Second),
				firstRequestAt: now,
			}
		} else {
			rec.count++
		}
		c.records[clientIP] = rec
		shouldSweep := len(c.records) > CleanupThreshold
		c.mu.Unlock()

		allowed := rec.count <= cfg.MaxRequests
		var retryAfter time.Duration
		if !allowed {
			retryAfter = rec.resetAt.Sub(now)
		}

		if shouldSweep {
			c.sweep(now)
		}

		return Result{
			Allowed:    allowed,
			Current:    rec.count,
			Limit:      cfg.MaxRequests,
			ResetAt:    rec.resetAt,
			RetryAfter: retryAfter,
		}, nil
	})
}

// sweep removes records whose window closed more than RetentionAfterWindow
// ago. Called inline from within a shard's own job, so it runs under the
// same serialization discipline as every other operation (spec §4.1:
// "background maintenance ... runs under the same serialization
// discipline"), though in practice only the shard that tips the map over
// CleanupThreshold pays the sweep cost.
func (c *Counter) sweep(now time.Time) {
	cutoff := now.Add(-RetentionAfterWindow)
	c.mu.Lock()
	defer c.mu.Unlock()
	for ip, rec := range c.records {
		if rec.resetAt.Before(cutoff) {
			delete(c.records, ip)
		}
	}
}

// Sweep runs the same cleanup as the self-throttled inline sweep, exposed
// for pkg/maintenance to drive on a fixed schedule as a backstop: a quiet
// deployment may never cross CleanupThreshold on its own and would
// otherwise accumulate closed windows until the next burst of traffic.
func (c *Counter) Sweep() {
	c.sweep(c.clock.Now())
}

// Len reports the number of tracked client_ip records, for tests and
// maintenance introspection.
func (c *Counter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
