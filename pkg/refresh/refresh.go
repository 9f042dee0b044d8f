// Package refresh implements the Refresh Token Rotator actor of spec §4.4 —
// the most security-critical component: version-based refresh-token
// rotation with theft detection and family revocation, sharded per user_id.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sgrastar/authrim/pkg/actor"
	"github.com/sgrastar/authrim/pkg/db"
	"github.com/sgrastar/authrim/pkg/idgen"
	"github.com/sgrastar/authrim/pkg/logger"
	"github.com/sgrastar/authrim/pkg/protoerr"
)

func marshalFamily(f *Family) ([]byte, error) { return json.Marshal(f) }

// Table is the durable-store table name token families are persisted under.
const Table = "refresh_families"

// AuditFlushInterval is a 100 ms batching window for non-critical audit
// events (rotated). The Rotator does not read it: Rotate hands each rotated
// event to WriteBatch as soon as the rotation is made, one event per call,
// with no buffering.
const AuditFlushInterval = 100 * time.Millisecond

// syncAuditAttempts bounds how many times a synchronous audit write is tried.
const syncAuditAttempts = 3

// EventType names audit events emitted by the rotator.
type EventType string

const (
	EventRotated       EventType = "rotated"
	EventTheftDetected EventType = "theft_detected"
	EventFamilyRevoked EventType = "family_revoked"
	EventExpired       EventType = "expired"
)

// AuditEvent is one audit record emitted by the rotator.
type AuditEvent struct {
	Type      EventType
	UserID    string
	ClientID  string
	JTI       string
	Reason    string
	Timestamp time.Time
}

// AuditSink receives audit events. Events emitted when a family is finalized
// (theft_detected, family_revoked, expired) are delivered via WriteSync, tried
// up to syncAuditAttempts times; rotated events are delivered via WriteBatch,
// one event per call, as is BatchRevoke's set of family_revoked events.
type AuditSink interface {
	WriteSync(ctx context.Context, ev AuditEvent) error
	WriteBatch(ctx context.Context, evs []AuditEvent) error
}

// NopAuditSink discards every event, for tests and deployments that don't
// need an audit trail.
type NopAuditSink struct{}

func (NopAuditSink) WriteSync(context.Context, AuditEvent) error    { return nil }
func (NopAuditSink) WriteBatch(context.Context, []AuditEvent) error { return nil }

// Family is the spec §3 Token Family record.
type Family struct {
	Version      uint32
	LastJTI      string
	LastUsedAt   time.Time
	ExpiresAt    time.Time
	UserID       string
	ClientID     string
	AllowedScope string
	Generation   uint32
	ShardIndex   uint32
	// Legacy holds the last few superseded (version, jti) pairs and the
	// rotation result each one originally produced, consulted only when the
	// rotator runs in legacy mode (spec §9 open question: "previous tokens
	// kept for theft detection", MAX_PREVIOUS_TOKENS=5). A replay of a
	// tracked pair is treated as an idempotent retry rather than theft,
	// returning the same result the original rotation produced.
	Legacy []legacyRotation
}

type legacyRotation struct {
	Version uint32
	JTI     string
	Result  RotateResult
}

// famIndex is the rotator's in-memory state: one live family per user_id,
// plus a reverse jti->user_id index for revoke_by_jti. Its mutex guards
// access from every user shard, since all shards share this one map.
type famIndex struct {
	mu       sync.Mutex
	families map[string]*Family
	byJTI    map[string]string
}

func newFamIndex() *famIndex {
	return &famIndex{families: make(map[string]*Family), byJTI: make(map[string]string)}
}

func (idx *famIndex) get(userID string) (*Family, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	f, ok := idx.families[userID]
	return f, ok
}

func (idx *famIndex) ownerOfJTI(jti string) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	userID, ok := idx.byJTI[jti]
	return userID, ok
}

// set inserts or replaces the family for f.UserID, retargeting the jti index
// from oldJTI (if non-empty) to f.LastJTI.
func (idx *famIndex) set(f *Family, oldJTI string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if oldJTI != "" {
		delete(idx.byJTI, oldJTI)
	}
	idx.families[f.UserID] = f
	idx.byJTI[f.LastJTI] = f.UserID
}

// delete removes the family for userID, if present, and returns it.
func (idx *famIndex) delete(userID string) *Family {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	f, ok := idx.families[userID]
	if !ok {
		return nil
	}
	delete(idx.byJTI, f.LastJTI)
	delete(idx.families, userID)
	return f
}

// CreateFamilyInput is create_family's request shape.
type CreateFamilyInput struct {
	JTI        string
	UserID     string
	ClientID   string
	Scope      string
	TTL        time.Duration
	Generation uint32
	ShardIndex uint32
	// Reinitialize permits overwriting a live family for (user_id,
	// client_id), per spec §4.4 ("unless the collaborator explicitly
	// permits reinitialization").
	Reinitialize bool
}

// CreateFamilyResult is create_family's response shape.
type CreateFamilyResult struct {
	Version      uint32
	NewJTI       string
	ExpiresIn    time.Duration
	AllowedScope string
}

// RotateInput is rotate's request shape.
type RotateInput struct {
	IncomingVersion uint32
	IncomingJTI     string
	UserID          string
	ClientID        string
	RequestedScope  string // empty means "keep allowed_scope"
}

// RotateResult is rotate's response shape.
type RotateResult struct {
	NewVersion   uint32
	NewJTI       string
	ExpiresIn    time.Duration
	AllowedScope string
}

// ValidateResult is validate's response shape.
type ValidateResult struct {
	Valid  bool
	Family *Family
}

// DefaultMaxPreviousVersionsTracked is the legacy mode's MAX_PREVIOUS_TOKENS
// bound from spec §9's open question.
const DefaultMaxPreviousVersionsTracked = 5

// Rotator is the Refresh Token Rotator actor.
type Rotator struct {
	runtime          *actor.Runtime
	cold             db.Store
	ids              idgen.IDSource
	clock            idgen.Clock
	audit            AuditSink
	idx              *famIndex
	legacyEnabled    bool
	maxLegacyTracked int
}

// Option configures a Rotator.
type Option func(*Rotator)

// WithClock overrides the clock, for tests.
func WithClock(c idgen.Clock) Option { return func(r *Rotator) { r.clock = c } }

// WithAuditSink overrides the audit sink.
func WithAuditSink(s AuditSink) Option { return func(r *Rotator) { r.audit = s } }

// WithRuntime overrides the actor runtime.
func WithRuntime(rt *actor.Runtime) Option { return func(r *Rotator) { r.runtime = rt } }

// WithLegacyPreviousVersions enables the legacy previous-refresh-version
// tolerance (spec §9 open question), tracking up to maxTracked superseded
// (version, jti) pairs per family. Off by default: modern deployments get
// pure version-monotonic theft detection.
func WithLegacyPreviousVersions(maxTracked int) Option {
	return func(r *Rotator) {
		r.legacyEnabled = true
		r.maxLegacyTracked = maxTracked
	}
}

// NewRotator constructs a Rotator backed by cold storage and an ID source.
func NewRotator(cold db.Store, ids idgen.IDSource, opts ...Option) *Rotator {
	r := &Rotator{
		runtime: actor.New(),
		cold:    cold,
		ids:     ids,
		clock:   idgen.SystemClock{},
		audit:   NopAuditSink{},
		idx:     newFamIndex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MintJTI builds the "v{generation}_{shard_index}_rt_{uuid}" JTI format of
// spec §4.4, enabling stateless inbound routing to the correct shard.
func (r *Rotator) MintJTI(generation, shardIndex uint32) string {
	return fmt.Sprintf("v%d_%d_rt_%s", generation, shardIndex, r.ids.UUID())
}

func familyKey(userID, clientID string) string { return userID + ":" + clientID }

func (r *Rotator) persist(ctx context.Context, f *Family) {
	raw, err := marshalFamily(f)
	if err != nil {
		logger.Errorw("refresh: failed to marshal family", "user_id", f.UserID, "err", err.Error())
		return
	}
	if err := r.cold.Upsert(ctx, Table, familyKey(f.UserID, f.ClientID), f.UserID, raw); err != nil {
		logger.Warnw("refresh: durable family write failed", "user_id", f.UserID, "err", err.Error())
	}
}

func (r *Rotator) durableDelete(ctx context.Context, f *Family) {
	if f == nil {
		return
	}
	if err := r.cold.Delete(ctx, Table, familyKey(f.UserID, f.ClientID)); err != nil {
		logger.Warnw("refresh: durable family delete failed", "user_id", f.UserID, "err", err.Error())
	}
}

// CreateFamily creates the first refresh-token family for (user_id,
// client_id).
func (r *Rotator) CreateFamily(ctx context.Context, in CreateFamilyInput) (CreateFamilyResult, error) {
	return actor.Submit(ctx, r.runtime, in.UserID, func(ctx context.Context) (CreateFamilyResult, error) {
		now := r.clock.Now()
		if existing, ok := r.idx.get(in.UserID); ok && existing.ClientID == in.ClientID && now.Before(existing.ExpiresAt) && !in.Reinitialize {
			return CreateFamilyResult{}, protoerr.New(protoerr.KindInvalidGrant, "a live refresh family already exists for this user and client")
		}

		f := &Family{
			Version:      1,
			LastJTI:      in.JTI,
			LastUsedAt:   now,
			ExpiresAt:    now.Add(in.TTL),
			UserID:       in.UserID,
			ClientID:     in.ClientID,
			AllowedScope: in.Scope,
			Generation:   in.Generation,
			ShardIndex:   in.ShardIndex,
		}
		r.idx.set(f, "")
		r.persist(ctx, f)

		return CreateFamilyResult{Version: 1, NewJTI: in.JTI, ExpiresIn: in.TTL, AllowedScope: in.Scope}, nil
	})
}

// Rotate advances a refresh-token family by one version, implementing the
// exact theft-detection algorithm of spec §4.4.
func (r *Rotator) Rotate(ctx context.Context, in RotateInput) (RotateResult, error) {
	return actor.Submit(ctx, r.runtime, in.UserID, func(ctx context.Context) (RotateResult, error) {
		f, ok := r.idx.get(in.UserID)
		if !ok {
			return RotateResult{}, protoerr.New(protoerr.KindInvalidGrant, "family_not_found")
		}
		if f.ClientID != in.ClientID {
			return RotateResult{}, protoerr.New(protoerr.KindInvalidGrant, "client_mismatch")
		}

		now := r.clock.Now()
		if !now.Before(f.ExpiresAt) {
			r.finalizeFamily(ctx, in.UserID, EventExpired, "")
			return RotateResult{}, protoerr.New(protoerr.KindInvalidGrant, "expired")
		}

		if in.IncomingVersion < f.Version {
			if r.legacyEnabled {
				if lr, ok := findLegacy(f.Legacy, in.IncomingVersion, in.IncomingJTI); ok {
					return lr.Result, nil
				}
			}
			r.theftDetected(ctx, in.UserID, "version_replay")
			return RotateResult{}, protoerr.TheftDetected("theft_detected")
		}
		if in.IncomingVersion != f.Version {
			return RotateResult{}, protoerr.New(protoerr.KindInvalidGrant, "version_mismatch")
		}
		if in.IncomingJTI != f.LastJTI {
			r.theftDetected(ctx, in.UserID, "jti_mismatch")
			return RotateResult{}, protoerr.TheftDetected("theft_detected")
		}

		allowedScope := f.AllowedScope
		if in.RequestedScope != "" {
			if !scopeSubset(in.RequestedScope, f.AllowedScope) {
				return RotateResult{}, protoerr.New(protoerr.KindInvalidScope, "requested scope exceeds allowed scope")
			}
			allowedScope = in.RequestedScope
		}

		oldJTI := f.LastJTI
		oldVersion := f.Version
		newJTI := r.MintJTI(f.Generation, f.ShardIndex)
		updated := *f
		updated.Version = f.Version + 1
		updated.LastJTI = newJTI
		updated.LastUsedAt = now

		expiresIn := updated.ExpiresAt.Sub(now)
		rotateResult := RotateResult{NewVersion: updated.Version, NewJTI: newJTI, ExpiresIn: expiresIn, AllowedScope: allowedScope}

		if r.legacyEnabled {
			updated.Legacy = appendLegacy(f.Legacy, legacyRotation{Version: oldVersion, JTI: oldJTI, Result: rotateResult}, r.maxLegacyTracked)
		}

		r.idx.set(&updated, oldJTI)
		r.persist(ctx, &updated)

		if err := r.audit.WriteBatch(ctx, []AuditEvent{{
			Type: EventRotated, UserID: updated.UserID, ClientID: updated.ClientID, JTI: newJTI, Timestamp: now,
		}}); err != nil {
			logger.Warnw("refresh: batched rotated-audit write failed", "user_id", updated.UserID, "err", err.Error())
		}

		return rotateResult, nil
	})
}

// theftDetected deletes the family for userID and synchronously writes the
// audit event with retry, per spec §4.4's "log theft_detected synchronously".
func (r *Rotator) theftDetected(ctx context.Context, userID, reason string) {
	r.finalizeFamily(ctx, userID, EventTheftDetected, reason)
}

// finalizeFamily removes the family for userID from the hot index and
// durable store, emitting ev as a synchronous audit event when non-empty.
func (r *Rotator) finalizeFamily(ctx context.Context, userID string, ev EventType, reason string) {
	f := r.idx.delete(userID)
	r.durableDelete(ctx, f)
	if f == nil || ev == "" {
		return
	}
	event := AuditEvent{
		Type: ev, UserID: f.UserID, ClientID: f.ClientID, JTI: f.LastJTI, Reason: reason, Timestamp: r.clock.Now(),
	}
	var err error
	for attempt := 0; attempt < syncAuditAttempts; attempt++ {
		if err = r.audit.WriteSync(ctx, event); err == nil {
			return
		}
	}
	logger.Errorw("refresh: synchronous audit write failed", "user_id", userID, "event", string(ev), "err", err.Error())
}

// SweepExpired finalizes every family whose expires_at has passed,
// routing each finalization through its owning user_id shard so the sweep
// obeys the same serialization discipline as every other mutation (spec
// §5). Intended to be driven by pkg/maintenance on a schedule.
func (r *Rotator) SweepExpired(ctx context.Context) int {
	now := r.clock.Now()
	r.idx.mu.Lock()
	var candidates []string
	for userID, f := range r.idx.families {
		if !now.Before(f.ExpiresAt) {
			candidates = append(candidates, userID)
		}
	}
	r.idx.mu.Unlock()

	var swept int
	for _, userID := range candidates {
		_, _ = actor.Submit(ctx, r.runtime, userID, func(ctx context.Context) (struct{}, error) {
			f, ok := r.idx.get(userID)
			if !ok || r.clock.Now().Before(f.ExpiresAt) {
				return struct{}{}, nil
			}
			r.finalizeFamily(ctx, userID, EventExpired, "scheduled_sweep")
			swept++
			return struct{}{}, nil
		})
	}
	return swept
}

// RevokeFamily deletes the live family for user_id, emitting a synchronous
// family_revoked audit event per spec §4.4.
func (r *Rotator) RevokeFamily(ctx context.Context, userID, reason string) error {
	_, err := actor.Submit(ctx, r.runtime, userID, func(ctx context.Context) (struct{}, error) {
		r.finalizeFamily(ctx, userID, EventFamilyRevoked, reason)
		return struct{}{}, nil
	})
	return err
}

// RevokeByJTI searches the hot index for the family whose last_jti equals
// jti and deletes the whole family if found (spec §4.4: "delete the whole
// family (best-practice) if found").
func (r *Rotator) RevokeByJTI(ctx context.Context, jti, reason string) error {
	userID, ok := r.idx.ownerOfJTI(jti)
	if !ok {
		return nil
	}
	_, err := actor.Submit(ctx, r.runtime, userID, func(ctx context.Context) (struct{}, error) {
		f, ok := r.idx.get(userID)
		if !ok || f.LastJTI != jti {
			return struct{}{}, nil // already rotated/revoked since the lookup above
		}
		r.finalizeFamily(ctx, userID, EventFamilyRevoked, reason)
		return struct{}{}, nil
	})
	return err
}

// BatchRevoke revokes every family matching a jti in jtis, one actor call
// per affected shard, with batched (non-synchronous) audit writes.
func (r *Rotator) BatchRevoke(ctx context.Context, jtis []string, reason string) error {
	byUser := make(map[string]string)
	for _, jti := range jtis {
		if userID, ok := r.idx.ownerOfJTI(jti); ok {
			byUser[userID] = jti
		}
	}

	events := make([]AuditEvent, 0, len(byUser))
	for userID, jti := range byUser {
		_, err := actor.Submit(ctx, r.runtime, userID, func(ctx context.Context) (struct{}, error) {
			f, ok := r.idx.get(userID)
			if ok && f.LastJTI == jti {
				r.idx.delete(userID)
				r.durableDelete(ctx, f)
				events = append(events, AuditEvent{Type: EventFamilyRevoked, UserID: userID, ClientID: f.ClientID, JTI: jti, Reason: reason, Timestamp: r.clock.Now()})
			}
			return struct{}{}, nil
		})
		if err != nil {
			return err
		}
	}
	if len(events) > 0 {
		return r.audit.WriteBatch(ctx, events)
	}
	return nil
}

// Validate is a read-only check of whether (user_id, version, client_id)
// currently names a live family; it never mutates state.
func (r *Rotator) Validate(ctx context.Context, userID string, version uint32, clientID string) (ValidateResult, error) {
	return actor.Submit(ctx, r.runtime, userID, func(context.Context) (ValidateResult, error) {
		f, ok := r.idx.get(userID)
		if !ok || f.ClientID != clientID || f.Version != version {
			return ValidateResult{Valid: false}, nil
		}
		if !r.clock.Now().Before(f.ExpiresAt) {
			return ValidateResult{Valid: false}, nil
		}
		fc := *f
		return ValidateResult{Valid: true, Family: &fc}, nil
	})
}

// findLegacy looks up a tracked (version, jti) pair in the legacy window.
func findLegacy(tracked []legacyRotation, version uint32, jti string) (legacyRotation, bool) {
	for _, lr := range tracked {
		if lr.Version == version && lr.JTI == jti {
			return lr, true
		}
	}
	return legacyRotation{}, false
}

// appendLegacy appends entry to tracked, evicting the oldest entry once the
// window exceeds max.
func appendLegacy(tracked []legacyRotation, entry legacyRotation, max int) []legacyRotation {
	if max <= 0 {
		return nil
	}
	out := append(append([]legacyRotation{}, tracked...), entry)
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// scopeSubset reports whether every space-delimited scope in requested
// appears in allowed.
func scopeSubset(requested, allowed string) bool {
	allowedSet := make(map[string]struct{})
	for _, s := range splitScope(allowed) {
		allowedSet[s] = struct{}{}
	}
	for _, s := range splitScope(requested) {
		if _, ok := allowedSet[s]; !ok {
			return false
		}
	}
	return true
}

func splitScope(scope string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(scope); i++ {
		if i == len(scope) || scope[i] == ' ' {
			if i > start {
				out = append(out, scope[start:i])
			}
			start = i + 1
		}
	}
	return out
}
