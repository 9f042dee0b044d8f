// Package revocation implements the Revoked Access Token Store of spec §3
// ("jti -> revoked_until. Evicted after revoked_until") and the pure RFC
// 7009 revocation engine of spec §4.7.
package revocation

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sgrastar/authrim/pkg/actor"
	"github.com/sgrastar/authrim/pkg/clientreg"
	"github.com/sgrastar/authrim/pkg/idgen"
	"github.com/sgrastar/authrim/pkg/jwtcodec"
	"github.com/sgrastar/authrim/pkg/protoerr"
	"github.com/sgrastar/authrim/pkg/refresh"
)

type marker struct {
	revokedUntil time.Time
}

// Store is the Revoked Access Token Store actor, sharded by jti. Like
// ratelimit.Counter it needs no durable tier: a revoked-access-token marker
// is a short-lived deny-list entry bounded by the access token's own
// lifetime (spec §3: "evicted after revoked_until"), not a record anyone
// needs to recover after a restart — an attacker who stole a token during
// the narrow restart window was already going to be stopped by the
// token's own exp claim.
type Store struct {
	runtime *actor.Runtime
	clock   idgen.Clock
	mu      sync.Mutex
	marks   map[string]marker
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock, for tests.
func WithClock(c idgen.Clock) Option { return func(s *Store) { s.clock = c } }

// WithRuntime overrides the actor runtime.
func WithRuntime(r *actor.Runtime) Option { return func(s *Store) { s.runtime = r } }

// NewStore constructs a Store.
func NewStore(opts ...Option) *Store {
	s := &Store{runtime: actor.New(), clock: idgen.SystemClock{}, marks: make(map[string]marker)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Revoke marks jti revoked until now+ttl. Idempotent: revoking an
// already-revoked jti simply extends (or shortens) the marker to the new
// ttl, matching the "last writer wins" policy spec §5 assigns to
// idempotent-by-id writes.
func (s *Store) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	_, err := actor.Submit(ctx, s.runtime, jti, func(context.Context) (struct{}, error) {
		now := s.clock.Now()
		s.mu.Lock()
		s.marks[jti] = marker{revokedUntil: now.Add(ttl)}
		s.mu.Unlock()
		return struct{}{}, nil
	})
	return err
}

// IsRevoked reports whether jti currently carries a live revocation
// marker. An entry whose revoked_until has passed is treated as absent
// (spec §3: "evicted after revoked_until") even if the sweep has not yet
// run.
func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return actor.Submit(ctx, s.runtime, jti, func(context.Context) (bool, error) {
		now := s.clock.Now()
		s.mu.Lock()
		m, ok := s.marks[jti]
		s.mu.Unlock()
		return ok && now.Before(m.revokedUntil), nil
	})
}

// Sweep removes markers whose revoked_until has passed. Intended to be
// driven by pkg/maintenance's scheduler.
func (s *Store) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, m := range s.marks {
		if !now.Before(m.revokedUntil) {
			delete(s.marks, jti)
		}
	}
}

// Len reports the number of tracked markers, for tests and maintenance
// introspection.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.marks)
}

// Request is the revocation engine's input, already decoded from either
// form body or query per spec §6 ("Revocation endpoint").
type Request struct {
	Token            string
	TokenTypeHint    string // "access_token", "refresh_token", or ""
	ClientID         string
	ClientSecret     string
	AuthorizationHdr string // raw "Authorization" header, for RFC 7617 Basic auth
}

// Result is HTTP 200 with an empty body per RFC 7009, except for a request
// missing client credentials or the token (400, invalid_request) and
// client-authentication failure (401, invalid_client); both carry Err.
type Result struct {
	StatusCode int
	Err        error
}

func ok200() Result { return Result{StatusCode: http.StatusOK} }

// Engine is the pure RFC 7009 revocation engine of spec §4.7. It holds no
// state of its own; every dependency is an injected collaborator, making
// it trivially testable without a running server.
type Engine struct {
	Clients   clientreg.Registry
	Codec     *jwtcodec.Codec
	Resolve   jwtcodec.KeyResolver
	Tokens    *Store
	Rotator   *refresh.Rotator
	AllowNone bool
}

// Revoke implements spec §4.7 steps 1-6. Every outcome other than
// client-authentication failure returns HTTP 200 (RFC 7009 "do not
// leak"); this function never returns a non-200 StatusCode except via
// Result.Err for invalid_client/invalid_request.
func (e *Engine) Revoke(ctx context.Context, req Request) Result {
	clientID, clientSecret, ok := resolveCredentials(req)
	if !ok {
		return Result{StatusCode: http.StatusBadRequest, Err: invalidRequest("missing client credentials")}
	}
	if req.Token == "" {
		return Result{StatusCode: http.StatusBadRequest, Err: invalidRequest("missing token")}
	}

	client, err := e.Clients.Lookup(ctx, clientID)
	if err != nil {
		return Result{StatusCode: http.StatusUnauthorized, Err: invalidClient()}
	}
	if client.IsConfidential() && !clientreg.VerifySecret(client, clientSecret) {
		return Result{StatusCode: http.StatusUnauthorized, Err: invalidClient()}
	}

	// Step 2: parse. Unparseable -> 200.
	claims, err := e.Codec.ParseUnverified(req.Token)
	if err != nil {
		return ok200()
	}

	// Step 3: require jti.
	if claims.ID == "" {
		return ok200()
	}

	// Step 4: verify signature. Failure -> 200 (do not leak).
	verified, err := e.Codec.Verify(req.Token, e.Resolve, e.AllowNone)
	if err != nil {
		return ok200()
	}

	// Step 5: token ownership. Mismatch -> 200 (do not reveal).
	if verified.ClientID != "" && verified.ClientID != clientID {
		return ok200()
	}
	if len(verified.Audience) > 0 && !containsString(verified.Audience, clientID) {
		return ok200()
	}

	switch req.TokenTypeHint {
	case "refresh_token":
		_ = e.Rotator.RevokeByJTI(ctx, verified.ID, "client_revoked")
		return ok200()
	case "access_token":
		_ = e.Tokens.Revoke(ctx, verified.ID, time.Until(verified.ExpiresAt.Time))
		return ok200()
	default:
		// No hint: probe the rotator first (spec §4.7 step 6, "no hint").
		res, verr := e.Rotator.Validate(ctx, verified.Subject, verified.Rtv, clientID)
		if verr == nil && res.Valid {
			_ = e.Rotator.RevokeByJTI(ctx, verified.ID, "client_revoked")
			return ok200()
		}
		_ = e.Tokens.Revoke(ctx, verified.ID, time.Until(verified.ExpiresAt.Time))
		return ok200()
	}
}

func resolveCredentials(req Request) (clientID, clientSecret string, ok bool) {
	if req.ClientID != "" {
		return req.ClientID, req.ClientSecret, true
	}
	if req.AuthorizationHdr == "" {
		return "", "", false
	}
	const prefix = "Basic "
	if !strings.HasPrefix(req.AuthorizationHdr, prefix) {
		return "", "", false
	}
	decoded, err := decodeBasic(req.AuthorizationHdr[len(prefix):])
	if err != nil {
		return "", "", false
	}
	idx := strings.IndexByte(decoded, ':')
	if idx < 0 {
		return "", "", false
	}
	return decoded[:idx], decoded[idx+1:], true
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func invalidRequest(desc string) error { return protoerr.New(protoerr.KindInvalidRequest, desc) }
func invalidClient() error {
	return protoerr.New(protoerr.KindInvalidClient, "unknown client or bad secret")
}

// decodeBasic implements RFC 7617 credential extraction: base64-decode the
// "Basic" payload, then URL-decode each component (spec §4.6 step 2)
// since client_id/client_secret may themselves be percent-encoded.
func decodeBasic(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", err
	}
	idx := strings.IndexByte(string(raw), ':')
	if idx < 0 {
		return "", errMalformedBasic
	}
	user, uerr := url.QueryUnescape(string(raw[:idx]))
	if uerr != nil {
		user = string(raw[:idx])
	}
	pass, perr := url.QueryUnescape(string(raw[idx+1:]))
	if perr != nil {
		pass = string(raw[idx+1:])
	}
	return user + ":" + pass, nil
}

var errMalformedBasic = protoerr.New(protoerr.KindInvalidRequest, "malformed Authorization: Basic header")
