package authrim

import (
	"context"
	"fmt"
	"time"

	joseJWK "github.com/go-jose/go-jose/v4"

	"github.com/sgrastar/authrim/pkg/authcode"
	"github.com/sgrastar/authrim/pkg/clientreg"
	"github.com/sgrastar/authrim/pkg/db"
	"github.com/sgrastar/authrim/pkg/idgen"
	"github.com/sgrastar/authrim/pkg/introspection"
	"github.com/sgrastar/authrim/pkg/jwks"
	"github.com/sgrastar/authrim/pkg/jwtcodec"
	"github.com/sgrastar/authrim/pkg/kv"
	"github.com/sgrastar/authrim/pkg/maintenance"
	"github.com/sgrastar/authrim/pkg/ratelimit"
	"github.com/sgrastar/authrim/pkg/refresh"
	"github.com/sgrastar/authrim/pkg/revocation"
	"github.com/sgrastar/authrim/pkg/session"
)

const (
	defaultMaxCodesPerUser                   = authcode.DefaultMaxCodesPerUser
	defaultMaxPreviousRefreshVersionsTracked = refresh.DefaultMaxPreviousVersionsTracked
	defaultJWKSProcessCacheTTL               = jwks.DefaultProcessCacheTTL
	defaultJWKSSharedCacheTTL                = jwks.DefaultSharedCacheTTL
	defaultRateLimitWindow                   = 60 * time.Second
	defaultRateLimitMaxRequests              = 100
)

// Gateway assembles every stateful actor and protocol engine of the
// security core behind one collaborator. It owns no HTTP routing (spec
// §1): callers drive its methods directly from their own handlers.
type Gateway struct {
	Config Config

	Sessions     *session.Manager
	AuthCodes    *authcode.Store
	Refresh      *refresh.Rotator
	RateLimiter  *ratelimit.Counter
	Revocations  *revocation.Store
	Introspector *introspection.Engine
	Revoker      *revocation.Engine
	Clients      clientreg.Registry
	Codec        *jwtcodec.Codec
	JWKS         *jwks.Cache
	Maintenance  *maintenance.Scheduler
}

// NewGateway validates cfg, applies its defaults, and wires every actor
// and engine together. cold backs sessions and refresh families; shared
// backs the JWKS cache's distributed tier; keyManager is the authoritative
// key provider consulted on a shared-cache miss (spec §1 "a cryptographic
// key provider" external collaborator).
func NewGateway(cfg Config, cold db.Store, shared kv.Store, keyManager jwks.KeyManager) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("authrim: invalid config: %w", err)
	}
	cfg.applyDefaults()

	clients, err := buildClientRegistry(cfg.Clients)
	if err != nil {
		return nil, fmt.Errorf("authrim: building client registry: %w", err)
	}

	ids := idgen.SystemIDSource{}
	retryingCold := db.WithRetry(cold, db.DefaultRetryPolicy)

	sessions := session.NewManager(retryingCold, ids, session.WithMaxTTL(cfg.SessionLifespan))
	authCodes := authcode.NewStore(authcode.WithMaxCodesPerUser(cfg.MaxCodesPerUser))

	refreshOpts := []refresh.Option{}
	if cfg.EnableLegacyPreviousVersions {
		refreshOpts = append(refreshOpts, refresh.WithLegacyPreviousVersions(int(cfg.MaxPreviousRefreshVersionsTracked)))
	}
	rotator := refresh.NewRotator(retryingCold, ids, refreshOpts...)

	rateLimiter := ratelimit.NewCounter()
	revoked := revocation.NewStore()

	codec := jwtcodec.NewCodec(cfg.Issuer)
	jwksCache := jwks.New(shared, keyManager,
		jwks.WithProcessTTL(cfg.JWKSProcessCacheTTL),
		jwks.WithSharedTTL(cfg.JWKSSharedCacheTTL),
	)
	resolve := func(kid, alg string) (any, error) {
		key, _, err := jwksCache.Resolve(context.Background(), kid)
		_ = alg
		return key, err
	}

	introspector := &introspection.Engine{
		Clients: clients,
		Codec:   codec,
		Resolve: resolve,
		Tokens:  revoked,
		Rotator: rotator,
		Config: introspection.Config{
			Issuer:           cfg.Issuer,
			ExpectedAudience: cfg.ExpectedAudience,
			StrictValidation: cfg.StrictIntrospection,
			AllowNoneAlg:     cfg.AllowNoneAlg,
			EmitFullAudience: cfg.IntrospectionEmitFullAudience,
		},
	}

	revoker := &revocation.Engine{
		Clients:   clients,
		Codec:     codec,
		Resolve:   resolve,
		Tokens:    revoked,
		Rotator:   rotator,
		AllowNone: cfg.AllowNoneAlg,
	}

	return &Gateway{
		Config:       cfg,
		Sessions:     sessions,
		AuthCodes:    authCodes,
		Refresh:      rotator,
		RateLimiter:  rateLimiter,
		Revocations:  revoked,
		Introspector: introspector,
		Revoker:      revoker,
		Clients:      clients,
		Codec:        codec,
		JWKS:         jwksCache,
	}, nil
}

// CheckRateLimit increments the rate counter for clientIP using the
// window/limit configured at startup (spec §4.5), sparing callers from
// repeating cfg.RateLimitWindow/RateLimitMaxRequests at every call site.
func (g *Gateway) CheckRateLimit(ctx context.Context, clientIP string) (ratelimit.Result, error) {
	return g.RateLimiter.Increment(ctx, clientIP, ratelimit.Config{
		WindowSeconds: int64(g.Config.RateLimitWindow / time.Second),
		MaxRequests:   g.Config.RateLimitMaxRequests,
	})
}

// buildClientRegistry hashes every confidential client's plaintext secret
// and constructs a StaticRegistry, per spec §1's exclusion of Dynamic
// Client Registration from this core (clients are provisioned out of
// band).
func buildClientRegistry(clients []ClientConfig) (*clientreg.StaticRegistry, error) {
	built := make([]clientreg.Client, 0, len(clients))
	for _, c := range clients {
		entry := clientreg.Client{
			ID:           c.ID,
			RedirectURIs: c.RedirectURIs,
			AllowedScope: c.AllowedScope,
			Confidential: !c.Public,
		}
		if entry.Confidential {
			hash, err := clientreg.HashSecret(c.Secret)
			if err != nil {
				return nil, fmt.Errorf("hashing secret for client %q: %w", c.ID, err)
			}
			entry.SecretHash = hash
		}
		built = append(built, entry)
	}
	return clientreg.NewStaticRegistry(built...), nil
}

// RegisterMaintenance wires SweepExpired/Sweep methods of every actor into
// sched on the given cron schedules, replacing g.Maintenance if one was
// already registered. Kept separate from NewGateway so callers can choose
// whether background sweeping runs at all (e.g. disabled in tests).
func (g *Gateway) RegisterMaintenance(sched *maintenance.Scheduler, cronExpr string) error {
	g.Maintenance = sched

	jobs := []maintenance.Sweeper{
		{Name: "sessions", Run: func(ctx context.Context) {
			if _, err := g.Sessions.SweepExpired(ctx); err != nil {
				_ = err // logged inside SweepExpired's own Invalidate calls
			}
		}},
		{Name: "authcodes", Run: func(context.Context) { g.AuthCodes.SweepExpired() }},
		{Name: "refresh_families", Run: func(ctx context.Context) { g.Refresh.SweepExpired(ctx) }},
		{Name: "revoked_tokens", Run: func(context.Context) { g.Revocations.Sweep(time.Now()) }},
		{Name: "rate_limits", Run: func(context.Context) { g.RateLimiter.Sweep() }},
	}
	for _, job := range jobs {
		if err := sched.Register(job, cronExpr); err != nil {
			return fmt.Errorf("authrim: registering %s sweep: %w", job.Name, err)
		}
	}
	return nil
}

// DiscoveryDocument builds the OpenID Connect Discovery 1.0 document
// advertised at /.well-known/openid-configuration (spec §6). It is a pure
// response-struct constructor: mounting it at the well-known path is the
// embedding HTTP layer's job (spec §1 excludes routing from this core).
func (g *Gateway) DiscoveryDocument(introspectionEndpoint, revocationEndpoint, jwksURI string, grantTypes []string) DiscoveryDocument {
	return DiscoveryDocument{
		Issuer:                           g.Config.Issuer,
		IntrospectionEndpoint:            introspectionEndpoint,
		RevocationEndpoint:               revocationEndpoint,
		JWKSURI:                          jwksURI,
		GrantTypesSupported:              grantTypes,
		IDTokenSigningAlgValuesSupported: []string{"RS256", "ES256"},
	}
}

// DiscoveryDocument is the OpenID Connect Discovery 1.0 response shape
// (spec §6), restricted to the fields this core's endpoints can actually
// advertise.
type DiscoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	IntrospectionEndpoint            string   `json:"introspection_endpoint"`
	RevocationEndpoint               string   `json:"revocation_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

// JWKSDocument builds the `{ "keys": [JWK...] }` document served at the
// JWKS well-known URL (spec §6), consulting the authoritative key manager
// directly rather than the process/shared cache tiers, so the published
// set is never stale behind a TTL.
func (g *Gateway) JWKSDocument(ctx context.Context, keyManager jwks.KeyManager) (joseJWK.JSONWebKeySet, error) {
	entries, err := keyManager.FetchAll(ctx)
	if err != nil {
		return joseJWK.JSONWebKeySet{}, fmt.Errorf("authrim: fetching jwks entries: %w", err)
	}
	return jwks.Document(entries), nil
}
