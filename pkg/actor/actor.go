// Package actor implements the generic sharded single-writer actor runtime
// mandated by spec §4.1 and §5: "Each of the four stateful cores is a
// sharded single-writer actor... Operations on the same shard instance are
// serialized... Operations on different shards may run in parallel."
//
// A Runtime owns one goroutine and FIFO mailbox per shard key, created
// lazily on first use and reaped after an idle period. Every operation
// submitted to a shard runs to completion (including any suspension on
// durable-store I/O) before the next queued operation for that shard
// begins, which is exactly the guarantee spec §5 requires: "No suspension
// is permitted between the read and write of the critical sections... those
// must execute under the actor's exclusive lease."
package actor

import (
	"context"
	"sync"
	"time"
)

// job is one unit of serialized work submitted to a shard.
type job struct {
	fn   func(ctx context.Context) (any, error)
	resp chan result
}

type result struct {
	val any
	err error
}

type shard struct {
	mailbox chan job
	done    chan struct{}
}

// Runtime is a sharded single-writer actor scheduler. The zero value is not
// usable; construct with New.
type Runtime struct {
	mu          sync.Mutex
	shards      map[string]*shard
	idleTimeout time.Duration
	mailboxSize int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithIdleTimeout sets how long a shard goroutine lingers with an empty
// mailbox before exiting. Defaults to 5 minutes.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.idleTimeout = d }
}

// WithMailboxSize sets the per-shard mailbox buffer. Defaults to 64.
func WithMailboxSize(n int) Option {
	return func(r *Runtime) { r.mailboxSize = n }
}

// New creates a Runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		shards:      make(map[string]*shard),
		idleTimeout: 5 * time.Minute,
		mailboxSize: 64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) getOrCreateShard(key string) *shard {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.shards[key]; ok {
		return s
	}

	s := &shard{
		mailbox: make(chan job, r.mailboxSize),
		done:    make(chan struct{}),
	}
	r.shards[key] = s
	go r.run(key, s)
	return s
}

func (r *Runtime) run(key string, s *shard) {
	defer close(s.done)
	timer := time.NewTimer(r.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case j, ok := <-s.mailbox:
			if !ok {
				return
			}
			val, err := j.fn(context.Background())
			j.resp <- result{val: val, err: err}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.idleTimeout)
		case <-timer.C:
			r.reap(key, s)
			return
		}
	}
}

// reap removes an idle shard's map entry (if it still points at s), so the
// next Submit for key creates a fresh shard goroutine. A job that lands in
// s's mailbox after the idle timer fired is never run by s; Submit notices
// s.done and resubmits that job to the fresh shard.
func (r *Runtime) reap(key string, s *shard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shards[key] == s {
		delete(r.shards, key)
	}
}

// Submit enqueues fn on the shard identified by key and blocks until it has
// run to completion (in isolation from every other operation on that
// shard), returning fn's result. Submissions to different keys never block
// each other (spec §5: "Operations on different shards may run in
// parallel").
func Submit[T any](ctx context.Context, r *Runtime, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	j := job{
		fn: func(ctx context.Context) (any, error) {
			return fn(ctx)
		},
		resp: make(chan result, 1),
	}

	for {
		s := r.getOrCreateShard(key)
		select {
		case s.mailbox <- j:
			select {
			case res := <-j.resp:
				if res.err != nil {
					return zero, res.err
				}
				v, _ := res.val.(T)
				return v, nil
			case <-s.done:
				select {
				case res := <-j.resp:
					if res.err != nil {
						return zero, res.err
					}
					v, _ := res.val.(T)
					return v, nil
				default:
					// The shard exited on its idle timer without running j;
					// resubmit it to a fresh shard.
					continue
				}
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		case <-s.done:
			// Shard exited between getOrCreateShard and send; retry with a
			// fresh one.
			continue
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// ShardCount returns the number of currently live shard goroutines, for
// tests and diagnostics.
func (r *Runtime) ShardCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shards)
}
