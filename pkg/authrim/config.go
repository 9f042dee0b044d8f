// Package authrim wires every stateful actor and protocol engine of the
// security core into a single Gateway, the top-level collaborator an
// embedding HTTP layer drives. It owns no transport: request/response
// shapes are plain structs, and routing is explicitly left to the caller
// (spec §1).
package authrim

import (
	"fmt"
	"time"

	"github.com/sgrastar/authrim/pkg/jwtcodec"
	"github.com/sgrastar/authrim/pkg/logger"
)

// MinHMACSecretLength is the minimum length, in bytes, that Validate
// accepts for Config.HMACSecret.
const MinHMACSecretLength = 32

// Config is the pure configuration for the security core. All values must
// be fully resolved by the caller: no file paths, no environment variable
// names baked into the type (spec §A.3).
type Config struct {
	// Issuer is the exact string matched against the "iss" claim (spec §6
	// "issuer_url").
	Issuer string

	// SigningKey signs and verifies access tokens and refresh-token JWTs.
	SigningKey jwtcodec.SigningKey

	// HMACSecret must be at least MinHMACSecretLength bytes of
	// cryptographically random data. Validate checks its length; no
	// component of the Gateway reads it, and session ids and authorization
	// codes are generated without it.
	HMACSecret []byte

	// AccessTokenLifespan is spec §6's token_expiry_s. Defaults to 1 hour.
	// The revocation engine does not read it: a revocation marker lasts
	// until the revoked token's own exp claim.
	AccessTokenLifespan time.Duration
	// RefreshTokenLifespan is spec §6's refresh_ttl_s. Defaults to 30 days.
	RefreshTokenLifespan time.Duration
	// AuthCodeLifespan is spec §6's code_ttl_s. Defaults to 120 seconds.
	AuthCodeLifespan time.Duration
	// SessionLifespan is spec §6's session_ttl_s. Defaults to 24 hours.
	SessionLifespan time.Duration

	// StrictIntrospection and ExpectedAudience are spec §6's
	// strict_introspection/expected_audience toggles.
	StrictIntrospection bool
	ExpectedAudience    string

	// MaxCodesPerUser is spec §6's max_codes_per_user. Defaults to
	// authcode.DefaultMaxCodesPerUser.
	MaxCodesPerUser int

	// EnableLegacyPreviousVersions turns on the refresh rotator's
	// previous-refresh-version tolerance window (spec §9 open question),
	// off by default. MaxPreviousRefreshVersionsTracked bounds the window
	// when enabled (spec §6's max_previous_refresh_versions_tracked).
	EnableLegacyPreviousVersions      bool
	MaxPreviousRefreshVersionsTracked uint32

	// AllowNoneAlg is spec §6's allow_none_alg opt-in.
	AllowNoneAlg bool

	// IntrospectionEmitFullAudience resolves spec §9's aud-array open
	// question: false (default) emits only the first audience element.
	IntrospectionEmitFullAudience bool

	// TrustedDomains lists first-party clients permitted to skip consent
	// (spec §6 "trusted_domains").
	TrustedDomains []string

	// JWKSProcessCacheTTL and JWKSSharedCacheTTL are spec §6's
	// jwks_process_cache_ttl_s/jwks_shared_cache_ttl_s. Default to
	// jwks.DefaultProcessCacheTTL/jwks.DefaultSharedCacheTTL.
	JWKSProcessCacheTTL time.Duration
	JWKSSharedCacheTTL  time.Duration

	// RateLimitWindow and RateLimitMaxRequests configure the default rate
	// counter applied to security-sensitive endpoints (spec §4.5).
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int64

	// Clients is the set of pre-registered OAuth2 clients. Dynamic Client
	// Registration is out of scope (spec §1).
	Clients []ClientConfig
}

// ClientConfig defines a pre-registered OAuth2/OIDC client.
type ClientConfig struct {
	// ID is the unique client identifier.
	ID string
	// Secret is the plaintext client secret, hashed by the registry at
	// construction time. Empty for public clients.
	Secret string
	// RedirectURIs is the list of allowed redirect URIs, matched exactly or
	// (for loopback URIs) per RFC 8252 §7.3.
	RedirectURIs []string
	// AllowedScope is the space-delimited scope ceiling this client may
	// request.
	AllowedScope string
	// Public marks a client as having no secret (native app, SPA using
	// PKCE).
	Public bool
}

// Validate checks that Config is well-formed, in the teacher's style:
// fail fast on missing required fields, leave correctness of derived
// defaults to applyDefaults.
func (c *Config) Validate() error {
	logger.Debugw("validating authrim config", "issuer", c.Issuer)

	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if err := c.SigningKey.Validate(); err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	if len(c.HMACSecret) < MinHMACSecretLength {
		return fmt.Errorf("HMAC secret must be at least %d bytes", MinHMACSecretLength)
	}
	for i, client := range c.Clients {
		if err := client.Validate(); err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
	}

	logger.Debugw("authrim config validation passed", "issuer", c.Issuer, "clientCount", len(c.Clients))
	return nil
}

// Validate checks that the ClientConfig is valid.
func (c *ClientConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("client id is required")
	}
	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("at least one redirect_uri is required")
	}
	if !c.Public && c.Secret == "" {
		return fmt.Errorf("secret is required for confidential clients")
	}
	return nil
}

// applyDefaults fills zero-valued fields with the spec §6 defaults.
func (c *Config) applyDefaults() {
	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = time.Hour
	}
	if c.RefreshTokenLifespan == 0 {
		c.RefreshTokenLifespan = 30 * 24 * time.Hour
	}
	if c.AuthCodeLifespan == 0 {
		c.AuthCodeLifespan = 120 * time.Second
	}
	if c.SessionLifespan == 0 {
		c.SessionLifespan = 24 * time.Hour
	}
	if c.MaxCodesPerUser == 0 {
		c.MaxCodesPerUser = defaultMaxCodesPerUser
	}
	if c.MaxPreviousRefreshVersionsTracked == 0 {
		c.MaxPreviousRefreshVersionsTracked = defaultMaxPreviousRefreshVersionsTracked
	}
	if c.JWKSProcessCacheTTL == 0 {
		c.JWKSProcessCacheTTL = defaultJWKSProcessCacheTTL
	}
	if c.JWKSSharedCacheTTL == 0 {
		c.JWKSSharedCacheTTL = defaultJWKSSharedCacheTTL
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = defaultRateLimitWindow
	}
	if c.RateLimitMaxRequests == 0 {
		c.RateLimitMaxRequests = defaultRateLimitMaxRequests
	}
}
