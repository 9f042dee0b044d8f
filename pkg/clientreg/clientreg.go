// Package clientreg is the client registry named in spec §1/§6: lookup of
// registered clients, confidential-secret verification, and the redirect_uri
// matching consumed by the Authorization Code Store. Dynamic Client
// Registration itself is out of scope (spec §1).
package clientreg

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/sgrastar/authrim/pkg/ctcompare"
)

// ErrNotFound is returned when no client is registered under the given ID.
var ErrNotFound = errors.New("clientreg: client not found")

// Client is a registered OAuth2/OIDC client.
type Client struct {
	ID string
	// SecretHash is the bcrypt hash of the client secret, empty for public
	// clients (native apps using PKCE without a secret).
	SecretHash   string
	RedirectURIs []string
	AllowedScope string
	// Confidential is false for public clients: their secret must never be
	// checked (there isn't one to check).
	Confidential bool
}

// IsConfidential reports whether c must authenticate with a secret.
func (c Client) IsConfidential() bool { return c.Confidential }

// Registry resolves client records by ID. Implementations are expected to be
// backed by relatively static configuration or a slow-changing table; this
// package does not itself define storage, only lookup and matching
// semantics.
type Registry interface {
	Lookup(ctx context.Context, clientID string) (Client, error)
}

// StaticRegistry is an in-memory Registry, suitable for tests and for
// deployments whose client set is provisioned out of band (spec §1 excludes
// DCR from this core).
type StaticRegistry struct {
	clients map[string]Client
}

// NewStaticRegistry builds a StaticRegistry from clients, keyed by ID.
func NewStaticRegistry(clients ...Client) *StaticRegistry {
	m := make(map[string]Client, len(clients))
	for _, c := range clients {
		m[c.ID] = c
	}
	return &StaticRegistry{clients: m}
}

// Lookup implements Registry.
func (r *StaticRegistry) Lookup(_ context.Context, clientID string) (Client, error) {
	c, ok := r.clients[clientID]
	if !ok {
		return Client{}, ErrNotFound
	}
	return c, nil
}

// HashSecret bcrypt-hashes a plaintext client secret for storage.
func HashSecret(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifySecret checks candidate against c's stored bcrypt hash. bcrypt's own
// comparison is already constant-time in the bits that matter (it compares
// full hash digests), but the caller-facing contract from spec §1 ("compare
// client_secret using a constant-time equality primitive") is satisfied here
// by bcrypt.CompareHashAndPassword, which never short-circuits on a prefix
// match.
func VerifySecret(c Client, candidate string) bool {
	if !c.Confidential {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(candidate)) == nil
}

// VerifyPlainSecret constant-time compares two already-decoded plaintext
// secrets, for registries that store secrets unhashed (discouraged, but some
// deployments pin pre-bcrypt secrets migrated from legacy storage).
func VerifyPlainSecret(stored, candidate string) bool {
	return ctcompare.Equal(stored, candidate)
}

const schemeHTTP = "http"

// MatchRedirectURI reports whether requestedURI matches one of c's
// registered redirect URIs, applying RFC 8252 §7.3 loopback-port matching
// for native clients in addition to exact matching.
func MatchRedirectURI(c Client, requestedURI string) bool {
	for _, registered := range c.RedirectURIs {
		if requestedURI == registered {
			return true
		}
		if matchesAsLoopback(requestedURI, registered) {
			return true
		}
	}
	return false
}

// matchesAsLoopback implements RFC 8252 §7.3: loopback redirect URIs use
// "http", the host must be localhost or a loopback IP (see IsLoopbackHost), the authorization
// server must allow any port, and path/query must match exactly.
func matchesAsLoopback(requestedURI, registeredURI string) bool {
	requested, err := url.Parse(requestedURI)
	if err != nil {
		return false
	}
	registered, err := url.Parse(registeredURI)
	if err != nil {
		return false
	}

	if requested.Scheme != schemeHTTP || registered.Scheme != schemeHTTP {
		return false
	}
	if !IsLoopbackHost(requested.Hostname()) || !IsLoopbackHost(registered.Hostname()) {
		return false
	}
	if !hostnamesMatch(requested.Hostname(), registered.Hostname()) {
		return false
	}
	if requested.Path != registered.Path {
		return false
	}
	if requested.RawQuery != registered.RawQuery {
		return false
	}
	// Port may differ: this is the entire point of loopback matching.
	return true
}

// IsLoopbackHost reports whether hostname is "localhost" (any case) or a
// loopback IP literal: any address in 127.0.0.0/8, or ::1.
func IsLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

// hostnamesMatch requires the registered and requested hostnames to name the
// same loopback form: a client registered against 127.0.0.1 does not match a
// request against localhost, only varying ports on the same host form.
func hostnamesMatch(requested, registered string) bool {
	if strings.EqualFold(requested, "localhost") && strings.EqualFold(registered, "localhost") {
		return true
	}
	return requested == registered
}
