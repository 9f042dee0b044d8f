// Package authcode implements the Authorization Code Store actor of spec
// §4.3: single-use OAuth 2.1 authorization codes with PKCE binding. store()
// is sharded by user_id so the 5-live-codes DDoS bound is enforced against a
// consistent view of one user's codes; consume() is sharded by code itself,
// since redemption of one code never needs ordering against another.
package authcode

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"time"

	"github.com/sgrastar/authrim/pkg/actor"
	"github.com/sgrastar/authrim/pkg/ctcompare"
	"github.com/sgrastar/authrim/pkg/idgen"
	"github.com/sgrastar/authrim/pkg/protoerr"
)

// DefaultMaxCodesPerUser is spec §6's max_codes_per_user default.
const DefaultMaxCodesPerUser = 5

// ChallengeMethodS256 is the only code_challenge_method this store accepts
// (spec §3: "code_challenge_method ∈ {S256}").
const ChallengeMethodS256 = "S256"

// Record is the spec §3 Authorization Code Record.
type Record struct {
	Code                string
	ClientID            string
	RedirectURI         string
	UserID              string
	Scope               string
	ExpiresAt           time.Time
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	Used                bool
}

func (r Record) expired(now time.Time) bool { return !now.Before(r.ExpiresAt) }

// StoreInput is the store() request shape of spec §4.3.
type StoreInput struct {
	Code                string
	ClientID            string
	RedirectURI         string
	UserID              string
	Scope               string
	ExpiresAt           time.Time
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// ConsumeInput is the consume() request shape of spec §4.3.
type ConsumeInput struct {
	Code         string
	ClientID     string
	CodeVerifier string
	RedirectURI  string
}

// hotIndex is the code store's in-memory state. Its own mutex guards access
// from both the user-sharded store() actor calls and the code-sharded
// consume() actor calls, since those two shard spaces touch the same
// underlying map.
type hotIndex struct {
	mu     sync.Mutex
	byCode map[string]*Record
	byUser map[string]map[string]struct{}
}

func newHotIndex() *hotIndex {
	return &hotIndex{byCode: make(map[string]*Record), byUser: make(map[string]map[string]struct{})}
}

func (h *hotIndex) liveCountLocked(userID string, now time.Time) int {
	n := 0
	for code := range h.byUser[userID] {
		r := h.byCode[code]
		if r != nil && !r.Used && !r.expired(now) {
			n++
		}
	}
	return n
}

// tryInsert checks the DDoS bound and inserts r atomically.
func (h *hotIndex) tryInsert(r *Record, maxCodes int, now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.liveCountLocked(r.UserID, now) >= maxCodes {
		return protoerr.New(protoerr.KindTooManyCodes, "user has too many live authorization codes")
	}
	h.byCode[r.Code] = r
	set, ok := h.byUser[r.UserID]
	if !ok {
		set = make(map[string]struct{})
		h.byUser[r.UserID] = set
	}
	set[r.Code] = struct{}{}
	return nil
}

// withCode runs fn against the record for code under the index lock,
// returning protoerr.KindInvalidGrant if no record exists.
func (h *hotIndex) withCode(code string, fn func(*Record) (Record, error)) (Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.byCode[code]
	if !ok {
		return Record{}, protoerr.New(protoerr.KindInvalidGrant, "authorization code is unknown or already used")
	}
	return fn(r)
}

// sweepExpired removes every record past its expires_at, per spec §3 ("on
// expiration the record MAY be evicted").
func (h *hotIndex) sweepExpired(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n int
	for code, r := range h.byCode {
		if !r.expired(now) {
			continue
		}
		delete(h.byCode, code)
		if set, ok := h.byUser[r.UserID]; ok {
			delete(set, code)
			if len(set) == 0 {
				delete(h.byUser, r.UserID)
			}
		}
		n++
	}
	return n
}

// Store is the Authorization Code Store actor.
type Store struct {
	runtime      *actor.Runtime
	clock        idgen.Clock
	maxCodesUser int
	hot          *hotIndex
}

// Option configures a Store.
type Option func(*Store)

// WithMaxCodesPerUser overrides DefaultMaxCodesPerUser.
func WithMaxCodesPerUser(n int) Option { return func(s *Store) { s.maxCodesUser = n } }

// WithClock overrides the clock, for tests.
func WithClock(c idgen.Clock) Option { return func(s *Store) { s.clock = c } }

// WithRuntime overrides the actor runtime.
func WithRuntime(r *actor.Runtime) Option { return func(s *Store) { s.runtime = r } }

// NewStore constructs an in-memory Authorization Code Store. Codes live
// 120 s by default (spec §3), far shorter than any reasonable process
// lifetime, so a durable tier is not required to satisfy the actor model's
// restart-hydration requirement in practice for this component.
func NewStore(opts ...Option) *Store {
	s := &Store{
		runtime:      actor.New(),
		clock:        idgen.SystemClock{},
		maxCodesUser: DefaultMaxCodesPerUser,
		hot:          newHotIndex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store persists binding as a new authorization code, shard-keyed by
// user_id so the DDoS bound can be checked and enforced atomically.
func (s *Store) Store(ctx context.Context, in StoreInput) (Record, error) {
	return actor.Submit(ctx, s.runtime, in.UserID, func(_ context.Context) (Record, error) {
		r := &Record{
			Code:                in.Code,
			ClientID:            in.ClientID,
			RedirectURI:         in.RedirectURI,
			UserID:              in.UserID,
			Scope:               in.Scope,
			ExpiresAt:           in.ExpiresAt,
			CodeChallenge:       in.CodeChallenge,
			CodeChallengeMethod: in.CodeChallengeMethod,
			Nonce:               in.Nonce,
		}
		if err := s.hot.tryInsert(r, s.maxCodesUser, s.clock.Now()); err != nil {
			return Record{}, err
		}
		return *r, nil
	})
}

// Consume redeems a code exactly once, enforcing client/redirect binding and
// PKCE verification per spec §4.3. Sharded by code: because the actor is
// single-writer per code shard, two concurrent consumption attempts for the
// same code can never both observe used=false.
func (s *Store) Consume(ctx context.Context, in ConsumeInput) (Record, error) {
	return actor.Submit(ctx, s.runtime, in.Code, func(_ context.Context) (Record, error) {
		return s.hot.withCode(in.Code, func(r *Record) (Record, error) {
			if r.Used {
				return Record{}, protoerr.New(protoerr.KindInvalidGrant, "authorization code already used")
			}
			now := s.clock.Now()
			if r.expired(now) {
				return Record{}, protoerr.New(protoerr.KindInvalidGrant, "authorization code has expired")
			}
			if r.ClientID != in.ClientID {
				return Record{}, protoerr.New(protoerr.KindInvalidGrant, "client_id does not match the authorization code")
			}
			if in.RedirectURI != "" && r.RedirectURI != "" && r.RedirectURI != in.RedirectURI {
				return Record{}, protoerr.New(protoerr.KindInvalidGrant, "redirect_uri does not match the authorization code")
			}

			if r.CodeChallenge != "" {
				if r.CodeChallengeMethod != ChallengeMethodS256 {
					return Record{}, protoerr.New(protoerr.KindInvalidGrant, "unsupported code_challenge_method")
				}
				if !verifyPKCE(r.CodeChallenge, in.CodeVerifier) {
					// A cryptographic PKCE mismatch is treated as theft
					// (spec §4.3): the record is consumed even though
					// verification failed, denying the legitimate holder a
					// retry.
					r.Used = true
					return Record{}, protoerr.TheftDetected("PKCE code_verifier does not match the stored challenge")
				}
			}

			r.Used = true
			return *r, nil
		})
	})
}

// SweepExpired evicts expired authorization codes. Unlike store/consume,
// eviction touches the whole index at once rather than one shard, so it
// is not routed through actor.Submit; hotIndex's own mutex is the only
// synchronization this needs. Intended to be driven by pkg/maintenance.
func (s *Store) SweepExpired() int {
	return s.hot.sweepExpired(s.clock.Now())
}

// verifyPKCE checks BASE64URL(SHA-256(verifier)) == challenge, byte-for-byte
// via constant-time comparison (spec §5: "constant-time equality MUST be
// used ... PKCE digests").
func verifyPKCE(challenge, verifier string) bool {
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return ctcompare.Equal(computed, challenge)
}
