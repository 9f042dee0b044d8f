// Package session implements the Session Manager actor of spec §4.2: hot
// in-memory plus cold durable storage of user sessions with instant
// revocation, sharded per user_id so operations on one user never block on
// another.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sgrastar/authrim/pkg/actor"
	"github.com/sgrastar/authrim/pkg/db"
	"github.com/sgrastar/authrim/pkg/idgen"
	"github.com/sgrastar/authrim/pkg/logger"
)

// Table is the durable-store table name sessions are persisted under.
const Table = "sessions"

// ColdReadTimeout bounds how long get() waits on the durable store before
// trusting the hot-miss result (spec §4.2/§5: "races ... a 100 ms timeout").
const ColdReadTimeout = 100 * time.Millisecond

// Data carries optional session metadata (spec §3).
type Data struct {
	AMR        []string `json:"amr,omitempty"`
	ACR        string   `json:"acr,omitempty"`
	DeviceName string   `json:"device_name,omitempty"`
	IP         string   `json:"ip,omitempty"`
	UserAgent  string   `json:"user_agent,omitempty"`
}

// Session is the spec §3 Session record.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	Data      Data      `json:"data,omitempty"`
}

func (s Session) expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// InvalidateBatchResult is invalidate_batch's return shape.
type InvalidateBatchResult struct {
	Deleted int
	Failed  []string
}

// hotStore is the in-memory tier, indexed both by session id (for get) and
// by user id (for list_user_sessions and batch operations).
type hotStore struct {
	mu     sync.RWMutex
	byID   map[string]Session
	byUser map[string]map[string]struct{}
}

func newHotStore() *hotStore {
	return &hotStore{byID: make(map[string]Session), byUser: make(map[string]map[string]struct{})}
}

func (h *hotStore) get(id string) (Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.byID[id]
	return s, ok
}

func (h *hotStore) put(s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byID[s.ID] = s
	set, ok := h.byUser[s.UserID]
	if !ok {
		set = make(map[string]struct{})
		h.byUser[s.UserID] = set
	}
	set[s.ID] = struct{}{}
}

// delete removes id and reports the owning user_id, if the session was
// present.
func (h *hotStore) delete(id string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.byID[id]
	if !ok {
		return "", false
	}
	delete(h.byID, id)
	if set, ok := h.byUser[s.UserID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(h.byUser, s.UserID)
		}
	}
	return s.UserID, true
}

func (h *hotStore) listUser(userID string) []Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := h.byUser[userID]
	out := make([]Session, 0, len(ids))
	for id := range ids {
		out = append(out, h.byID[id])
	}
	return out
}

// listExpired returns every hot session whose expires_at has passed, for
// the scheduled cleanup sweep of spec §3 ("destroyed by ... scheduled
// cleanup").
func (h *hotStore) listExpired(now time.Time) []Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Session
	for _, s := range h.byID {
		if s.expired(now) {
			out = append(out, s)
		}
	}
	return out
}

// Manager is the Session Manager actor. Mutating operations are submitted
// to the shard keyed by the owning user_id, so creates, extends, and
// invalidations for one user never interleave; list_user_sessions runs on
// the same shard to get a consistent snapshot.
type Manager struct {
	runtime *actor.Runtime
	hot     *hotStore
	cold    db.Store
	ids     idgen.IDSource
	clock   idgen.Clock
	maxTTL  time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxTTL caps the TTL accepted by create: a longer requested TTL is
// clamped to it. Create applies no default TTL of its own; NewGateway passes
// Config.SessionLifespan (session_ttl_s) here as the ceiling.
func WithMaxTTL(d time.Duration) Option { return func(m *Manager) { m.maxTTL = d } }

// WithRuntime overrides the actor runtime, e.g. to share one runtime's idle
// reaping/mailbox-size policy across components.
func WithRuntime(r *actor.Runtime) Option { return func(m *Manager) { m.runtime = r } }

// WithClock overrides the clock, for tests.
func WithClock(c idgen.Clock) Option { return func(m *Manager) { m.clock = c } }

// NewManager constructs a Manager backed by cold storage and an ID source.
func NewManager(cold db.Store, ids idgen.IDSource, opts ...Option) *Manager {
	m := &Manager{
		runtime: actor.New(),
		hot:     newHotStore(),
		cold:    cold,
		ids:     ids,
		clock:   idgen.SystemClock{},
		maxTTL:  24 * time.Hour,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) persist(ctx context.Context, s Session) {
	raw, err := json.Marshal(s)
	if err != nil {
		logger.Errorw("session: failed to marshal for durable write", "id", s.ID, "err", err.Error())
		return
	}
	if err := m.cold.Upsert(ctx, Table, s.ID, s.UserID, raw); err != nil {
		// spec §4.2: "durable write failures on create/extend are logged
		// but do not fail the call (hot copy is authoritative in-process)".
		logger.Warnw("session: durable write failed, hot copy remains authoritative", "id", s.ID, "err", err.Error())
	}
}

// Create allocates a fresh session for user_id with the given TTL (clamped
// to maxTTL) and optional metadata.
func (m *Manager) Create(ctx context.Context, userID string, ttl time.Duration, data Data) (Session, error) {
	if ttl > m.maxTTL {
		ttl = m.maxTTL
	}
	return actor.Submit(ctx, m.runtime, userID, func(ctx context.Context) (Session, error) {
		id, err := m.ids.Opaque(16)
		if err != nil {
			return Session{}, err
		}
		now := m.clock.Now()
		s := Session{ID: id, UserID: userID, CreatedAt: now, ExpiresAt: now.Add(ttl), Data: data}
		m.hot.put(s)
		m.persist(ctx, s)
		return s, nil
	})
}

// Get looks up session_id in the hot tier; on miss it races a cold read
// against ColdReadTimeout (spec §4.2, §5). An expired session is deleted
// and reported absent.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, bool) {
	if s, ok := m.hot.get(sessionID); ok {
		if s.expired(m.clock.Now()) {
			m.expireAsync(sessionID)
			return Session{}, false
		}
		return s, true
	}

	type coldResult struct {
		s  Session
		ok bool
	}
	resCh := make(chan coldResult, 1)
	go func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ColdReadTimeout)
		defer cancel()
		raw, err := m.cold.Get(cctx, Table, sessionID)
		if err != nil {
			resCh <- coldResult{}
			return
		}
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil {
			resCh <- coldResult{}
			return
		}
		resCh <- coldResult{s: s, ok: true}
	}()

	timer := time.NewTimer(ColdReadTimeout)
	defer timer.Stop()
	select {
	case r := <-resCh:
		if !r.ok {
			return Session{}, false
		}
		if r.s.expired(m.clock.Now()) {
			m.expireAsync(sessionID)
			return Session{}, false
		}
		m.hot.put(r.s) // promote to hot
		return r.s, true
	case <-timer.C:
		// Hot path is authoritative if the cold path loses the race (spec §5).
		return Session{}, false
	}
}

func (m *Manager) expireAsync(sessionID string) {
	go func() {
		_, _ = m.Invalidate(context.Background(), sessionID)
	}()
}

// Extend adds add to session_id's expires_at in both tiers.
func (m *Manager) Extend(ctx context.Context, sessionID string, add time.Duration) (Session, bool) {
	owner, ok := m.resolveOwner(ctx, sessionID)
	if !ok {
		return Session{}, false
	}
	result, err := actor.Submit(ctx, m.runtime, owner, func(ctx context.Context) (Session, error) {
		s, ok := m.hot.get(sessionID)
		if !ok {
			raw, err := m.cold.Get(ctx, Table, sessionID)
			if err != nil {
				return Session{}, errNotFound
			}
			if err := json.Unmarshal(raw, &s); err != nil {
				return Session{}, errNotFound
			}
		}
		s.ExpiresAt = s.ExpiresAt.Add(add)
		m.hot.put(s)
		m.persist(ctx, s)
		return s, nil
	})
	if err != nil {
		return Session{}, false
	}
	return result, true
}

var errNotFound = errors.New("session: not found")

// resolveOwner finds the user_id owning sessionID, checking hot then cold.
func (m *Manager) resolveOwner(ctx context.Context, sessionID string) (string, bool) {
	if s, ok := m.hot.get(sessionID); ok {
		return s.UserID, true
	}
	raw, err := m.cold.Get(ctx, Table, sessionID)
	if err != nil {
		return "", false
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s.UserID, true
}

// Invalidate deletes session_id from both tiers. Idempotent: invalidating an
// absent session returns false without error.
func (m *Manager) Invalidate(ctx context.Context, sessionID string) (bool, error) {
	owner, ok := m.resolveOwner(ctx, sessionID)
	if !ok {
		return false, nil
	}
	return actor.Submit(ctx, m.runtime, owner, func(ctx context.Context) (bool, error) {
		_, existed := m.hot.delete(sessionID)
		// spec §4.2: invalidate's durable-write failure is retried with
		// exponential backoff (up to 3 attempts); db.WithRetry supplies
		// that policy when cold is constructed with it.
		if err := m.cold.Delete(ctx, Table, sessionID); err != nil {
			logger.Errorw("session: durable delete failed after retries", "id", sessionID, "err", err.Error())
			return existed, err
		}
		return existed, nil
	})
}

// InvalidateBatch deletes every id in ids, issuing a single batched durable
// delete per spec §4.2. Ids are grouped by owning shard so each user's
// deletions serialize against that user's other operations.
func (m *Manager) InvalidateBatch(ctx context.Context, ids []string) InvalidateBatchResult {
	byOwner := make(map[string][]string)
	unowned := make([]string, 0)
	for _, id := range ids {
		owner, ok := m.resolveOwner(ctx, id)
		if !ok {
			unowned = append(unowned, id)
			continue
		}
		byOwner[owner] = append(byOwner[owner], id)
	}

	result := InvalidateBatchResult{Failed: append([]string{}, unowned...)}
	for owner, shardIDs := range byOwner {
		deleted, err := actor.Submit(ctx, m.runtime, owner, func(ctx context.Context) (int, error) {
			n := 0
			for _, id := range shardIDs {
				if _, existed := m.hot.delete(id); existed {
					n++
				}
			}
			if err := m.cold.DeleteBatch(ctx, Table, shardIDs); err != nil {
				return n, err
			}
			return n, nil
		})
		result.Deleted += deleted
		if err != nil {
			logger.Errorw("session: batch durable delete failed", "owner", owner, "err", err.Error())
			result.Failed = append(result.Failed, shardIDs...)
		}
	}
	sort.Strings(result.Failed)
	return result
}

// ListUserSessions returns the union of hot entries for user_id and cold
// entries not already hot, filtered to unexpired sessions (spec §4.2).
func (m *Manager) ListUserSessions(ctx context.Context, userID string) ([]Session, error) {
	return actor.Submit(ctx, m.runtime, userID, func(ctx context.Context) ([]Session, error) {
		now := m.clock.Now()
		seen := make(map[string]struct{})
		out := make([]Session, 0)

		for _, s := range m.hot.listUser(userID) {
			if s.expired(now) {
				continue
			}
			seen[s.ID] = struct{}{}
			out = append(out, s)
		}

		iter, err := m.cold.ScanByOwner(ctx, Table, userID)
		if err != nil {
			return out, err
		}
		for iter.Next(ctx) {
			if _, ok := seen[iter.ID()]; ok {
				continue
			}
			var s Session
			if err := json.Unmarshal(iter.Value(), &s); err != nil {
				continue
			}
			if s.expired(now) {
				continue
			}
			out = append(out, s)
		}
		if err := iter.Err(); err != nil {
			return out, err
		}

		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SweepExpired evicts every hot session past its expires_at, routing each
// eviction through its owner's shard via Invalidate so the cleanup obeys
// the same serialization discipline as every other mutation (spec §5:
// "background maintenance ... runs under the same serialization
// discipline"). Intended to be driven by pkg/maintenance on a schedule.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	expired := m.hot.listExpired(m.clock.Now())
	var swept int
	var firstErr error
	for _, s := range expired {
		ok, err := m.Invalidate(ctx, s.ID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			swept++
		}
	}
	return swept, firstErr
}
