// Package introspection implements the pure RFC 7662 token introspection
// engine of spec §4.6: a stateless validator over its collaborators (the
// JWKS cache, the Revoked Access Token Store, and the Refresh Token
// Rotator), oracle-free by construction.
package introspection

import (
	"context"
	"encoding/base64"
	"net/url"
	"strings"
	"time"

	"github.com/sgrastar/authrim/pkg/clientreg"
	"github.com/sgrastar/authrim/pkg/jwtcodec"
	"github.com/sgrastar/authrim/pkg/protoerr"
	"github.com/sgrastar/authrim/pkg/refresh"
	"github.com/sgrastar/authrim/pkg/revocation"
)

// Request is the introspection engine's input, already decoded from the
// request body per spec §4.6 step 1/2.
type Request struct {
	Token            string
	TokenTypeHint    string
	ClientID         string
	ClientSecret     string
	AuthorizationHdr string
}

// Response is the RFC 7662 response shape. Every zero-value field is
// simply omitted by the caller's JSON encoder (`omitempty`); Active is the
// only field guaranteed present.
type Response struct {
	Active      bool     `json:"active"`
	Scope       string   `json:"scope,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
	TokenType   string   `json:"token_type,omitempty"`
	Exp         int64    `json:"exp,omitempty"`
	Iat         int64    `json:"iat,omitempty"`
	Nbf         int64    `json:"nbf,omitempty"`
	Sub         string   `json:"sub,omitempty"`
	Aud         []string `json:"aud,omitempty"`
	Iss         string   `json:"iss,omitempty"`
	JTI         string   `json:"jti,omitempty"`
	Act         string   `json:"act,omitempty"`
	Resource    string   `json:"resource,omitempty"`
}

// Result pairs the response with the HTTP status and, for
// client-authentication failures only, an error. Every other outcome -
// including every flavor of "token is not valid" - is carried purely in
// Response.Active being false, per spec §4.6's oracle-freedom mandate.
type Result struct {
	StatusCode int
	Response   Response
	Err        error
}

func inactive() Result { return Result{StatusCode: 200, Response: Response{Active: false}} }

// KeyResolver resolves a verification key for kid/alg, consulting the
// JWKS cache hierarchy (spec §4.6 step 5); implemented by
// jwks.Cache.Resolve with the return values reordered to match
// jwtcodec.KeyResolver.
type KeyResolver func(kid, alg string) (any, error)

// Config toggles the strict-validation behavior of spec §4.6 step 7 and
// the fallback static key of step 5.
type Config struct {
	Issuer           string
	ExpectedAudience string
	StrictValidation bool
	AllowNoneAlg     bool
	FallbackStaticKey any
	// EmitFullAudience controls spec §9's open question: whether the
	// active response's aud carries every audience or only the first.
	// Default false (first element only).
	EmitFullAudience bool
}

// Engine is the pure RFC 7662 engine. All state lives in its injected
// collaborators.
type Engine struct {
	Clients clientreg.Registry
	Codec   *jwtcodec.Codec
	Resolve KeyResolver
	Tokens  *revocation.Store
	Rotator *refresh.Rotator
	Config  Config
}

// Introspect implements spec §4.6 steps 2-10; the content-type check of
// step 1 is left to the HTTP layer.
func (e *Engine) Introspect(ctx context.Context, req Request) Result {
	clientID, clientSecret, ok := resolveCredentials(req)
	if !ok {
		return Result{StatusCode: 400, Err: protoerr.New(protoerr.KindInvalidRequest, "missing client credentials")}
	}

	client, err := e.Clients.Lookup(ctx, clientID)
	if err != nil {
		return Result{StatusCode: 401, Err: protoerr.New(protoerr.KindInvalidClient, "unknown client")}
	}
	if client.IsConfidential() && !clientreg.VerifySecret(client, clientSecret) {
		return Result{StatusCode: 401, Err: protoerr.New(protoerr.KindInvalidClient, "bad secret")}
	}

	// Step 4: parse without signature check. Failure -> inactive.
	if _, err := e.Codec.ParseUnverified(req.Token); err != nil {
		return inactive()
	}

	// Step 5/6: resolve key by kid and verify signature + iss/aud.
	verified, err := e.Codec.Verify(req.Token, jwtcodec.KeyResolver(e.resolveWithFallback), e.Config.AllowNoneAlg)
	if err != nil {
		return inactive()
	}
	if e.Config.Issuer != "" && verified.Issuer != e.Config.Issuer {
		return inactive()
	}

	// Step 7: strict validation.
	if e.Config.StrictValidation {
		if e.Config.ExpectedAudience != "" && !containsString(verified.Audience, e.Config.ExpectedAudience) {
			return inactive()
		}
		if verified.ClientID == "" {
			return inactive()
		}
		if _, err := e.Clients.Lookup(ctx, verified.ClientID); err != nil {
			return inactive()
		}
	}

	// Step 8: nbf <= now < exp.
	now := time.Now()
	if verified.ExpiresAt != nil && !now.Before(verified.ExpiresAt.Time) {
		return inactive()
	}
	if verified.NotBefore != nil && now.Before(verified.NotBefore.Time) {
		return inactive()
	}

	// Step 9: token-type dispatch.
	if req.TokenTypeHint == "refresh_token" {
		res, verr := e.Rotator.Validate(ctx, verified.Subject, verified.Rtv, clientID)
		if verr != nil || !res.Valid {
			return inactive()
		}
	} else {
		revoked, rerr := e.Tokens.IsRevoked(ctx, verified.ID)
		if rerr != nil || revoked {
			return inactive()
		}
	}

	return Result{StatusCode: 200, Response: buildActiveResponse(verified, e.Config)}
}

func (e *Engine) resolveWithFallback(kid, alg string) (any, error) {
	key, err := e.Resolve(kid, alg)
	if err == nil {
		return key, nil
	}
	if e.Config.FallbackStaticKey != nil {
		return e.Config.FallbackStaticKey, nil
	}
	return nil, err
}

func buildActiveResponse(c *jwtcodec.Claims, cfg Config) Response {
	r := Response{
		Active:    true,
		Scope:     c.Scope,
		ClientID:  c.ClientID,
		TokenType: "Bearer",
		Sub:       c.Subject,
		Iss:       c.Issuer,
		JTI:       c.ID,
		Aud:       []string(c.Audience),
	}
	if c.ExpiresAt != nil {
		r.Exp = c.ExpiresAt.Unix()
	}
	if c.IssuedAt != nil {
		r.Iat = c.IssuedAt.Unix()
	}
	if c.NotBefore != nil {
		r.Nbf = c.NotBefore.Unix()
	}
	if !cfg.EmitFullAudience && len(r.Aud) > 1 {
		r.Aud = r.Aud[:1]
	}
	return r
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
	raw, err := base64.StdEncoding.DecodeString(req.AuthorizationHdr[len(prefix):])
	if err != nil {
		return "", "", false
	}
	idx := strings.IndexByte(string(raw), ':')
	if idx < 0 {
		return "", "", false
	}
	user, _ := url.QueryUnescape(string(raw[:idx]))
	pass, _ := url.QueryUnescape(string(raw[idx+1:]))
	return user, pass, true
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
