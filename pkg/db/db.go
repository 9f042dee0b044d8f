// Package db is the relational-store adapter named in spec §2 ("DB
// adapter: Relational query/execute/batch with retry"). It backs the
// long-term snapshots described in spec §6 ("Persisted state layout"):
// sessions, refresh family snapshots, audit events, revoked JTIs.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sgrastar/authrim/pkg/logger"
)

// ErrNotFound is returned by Get when no row matches.
var ErrNotFound = errors.New("db: not found")

// Store is the relational-store contract consumed by the Session Manager,
// Refresh Token Rotator, and audit writers. Rows are addressed by a single
// natural-key string; writes are idempotent UPSERTs (spec §5: "writes are
// idempotent (UPSERT by id)").
type Store interface {
	// Upsert writes value (already serialized) under table/id, replacing any
	// existing row. owner is an indexed column enabling ScanByOwner (e.g.
	// user_id for sessions and refresh families); pass "" if the row has no
	// natural owner (e.g. a revoked-jti record).
	Upsert(ctx context.Context, table, id, owner string, value []byte) error
	// Get reads the row for table/id, or ErrNotFound.
	Get(ctx context.Context, table, id string) ([]byte, error)
	// Delete removes the row for table/id. Deleting an absent row is not an
	// error.
	Delete(ctx context.Context, table, id string) error
	// DeleteBatch removes multiple rows from one table in as few round trips
	// as the backend allows.
	DeleteBatch(ctx context.Context, table string, ids []string) error
	// ScanByOwner streams rows in table whose owner column equals owner,
	// used by list_user_sessions (spec §4.2) to enumerate a user's cold
	// sessions without a dedicated secondary index (spec §9).
	ScanByOwner(ctx context.Context, table, owner string) (Iterator, error)
	// Close releases any held resources (connection pool).
	Close() error
}

// Iterator walks rows returned by ScanByOwner.
type Iterator interface {
	Next(ctx context.Context) bool
	ID() string
	Value() []byte
	Err() error
}

// RetryPolicy describes the durable-write retry contract of spec §5
// ("D1/DB operations retry up to 3 times with exponential backoff;
// terminal failure propagates").
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
}

// DefaultRetryPolicy is spec §5's "up to 3 times with exponential backoff".
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, InitialInterval: 20 * time.Millisecond}

// WithRetry wraps a Store so every write (Upsert/Delete/DeleteBatch) retries
// on error per policy before propagating a terminal failure, using
// cenkalti/backoff/v5's exponential backoff.
func WithRetry(s Store, policy RetryPolicy) Store {
	return &retryingStore{inner: s, policy: policy}
}

type retryingStore struct {
	inner  Store
	policy RetryPolicy
}

func (r *retryingStore) retry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.InitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := fn(); err != nil {
			logger.Warnw("db operation failed, retrying", "op", op, "err", err.Error())
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(r.policy.MaxAttempts)))
	if err != nil {
		logger.Errorw("db operation exhausted retries", "op", op, "err", err.Error())
	}
	return err
}

func (r *retryingStore) Upsert(ctx context.Context, table, id, owner string, value []byte) error {
	return r.retry(ctx, "upsert", func() error { return r.inner.Upsert(ctx, table, id, owner, value) })
}

func (r *retryingStore) Get(ctx context.Context, table, id string) ([]byte, error) {
	return r.inner.Get(ctx, table, id)
}

func (r *retryingStore) Delete(ctx context.Context, table, id string) error {
	return r.retry(ctx, "delete", func() error { return r.inner.Delete(ctx, table, id) })
}

func (r *retryingStore) DeleteBatch(ctx context.Context, table string, ids []string) error {
	return r.retry(ctx, "delete_batch", func() error { return r.inner.DeleteBatch(ctx, table, ids) })
}

func (r *retryingStore) ScanByOwner(ctx context.Context, table, owner string) (Iterator, error) {
	return r.inner.ScanByOwner(ctx, table, owner)
}

func (r *retryingStore) Close() error { return r.inner.Close() }
