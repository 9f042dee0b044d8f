package revocation

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/pkg/clientreg"
	"github.com/sgrastar/authrim/pkg/db"
	"github.com/sgrastar/authrim/pkg/idgen"
	"github.com/sgrastar/authrim/pkg/jwtcodec"
	"github.com/sgrastar/authrim/pkg/refresh"
)

func TestStore_RevokeAndIsRevoked(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	revoked, err := s.IsRevoked(ctx, "J1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, s.Revoke(ctx, "J1", time.Hour))

	revoked, err = s.IsRevoked(ctx, "J1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestStore_MarkerExpires(t *testing.T) {
	clock := idgen.NewFixedClock(time.Now())
	s := NewStore(WithClock(clock))
	ctx := context.Background()

	require.NoError(t, s.Revoke(ctx, "J1", time.Minute))
	clock.Advance(2 * time.Minute)

	revoked, err := s.IsRevoked(ctx, "J1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestStore_Sweep(t *testing.T) {
	clock := idgen.NewFixedClock(time.Now())
	s := NewStore(WithClock(clock))
	ctx := context.Background()

	require.NoError(t, s.Revoke(ctx, "J1", time.Minute))
	require.Equal(t, 1, s.Len())

	clock.Advance(2 * time.Minute)
	s.Sweep(clock.Now())
	assert.Equal(t, 0, s.Len())
}

type revocationFixture struct {
	engine   *Engine
	priv     *rsa.PrivateKey
	codec    *jwtcodec.Codec
	clients  *clientreg.StaticRegistry
	tokens   *Store
	rotator  *refresh.Rotator
}

func newRevocationFixture(t *testing.T) *revocationFixture {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	secretHash, err := clientreg.HashSecret("s3cret")
	require.NoError(t, err)
	client := clientreg.Client{ID: "cli1", SecretHash: secretHash, Confidential: true}
	other := clientreg.Client{ID: "cli-other", Confidential: false}
	clients := clientreg.NewStaticRegistry(client, other)

	codec := jwtcodec.NewCodec("https://issuer.example")
	tokens := NewStore()
	rotator := refresh.NewRotator(db.NewMemoryStore(), idgen.SystemIDSource{})

	engine := &Engine{
		Clients: clients,
		Codec:   codec,
		Resolve: func(string, string) (any, error) { return &priv.PublicKey, nil },
		Tokens:  tokens,
		Rotator: rotator,
	}

	return &revocationFixture{engine: engine, priv: priv, codec: codec, clients: clients, tokens: tokens, rotator: rotator}
}

func (f *revocationFixture) signAccessToken(t *testing.T, jti string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	tok, err := f.codec.Sign(jwtcodec.SigningKey{KeyID: "k1", Algorithm: "RS256", Key: f.priv}, jwtcodec.SignInput{
		Subject: "U1", Audience: "cli1", JTI: jti, Scope: "openid", IssuedAt: now, ExpiresAt: now.Add(ttl),
	})
	require.NoError(t, err)
	return tok
}

func TestRevoke_AccessToken_MarksStoreAndReturns200(t *testing.T) {
	f := newRevocationFixture(t)
	ctx := context.Background()
	tok := f.signAccessToken(t, "AT1", time.Hour)

	res := f.engine.Revoke(ctx, Request{Token: tok, TokenTypeHint: "access_token", ClientID: "cli1", ClientSecret: "s3cret"})
	assert.Equal(t, 200, res.StatusCode)
	assert.NoError(t, res.Err)

	revoked, err := f.tokens.IsRevoked(ctx, "AT1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRevoke_RefreshToken_RevokesFamily(t *testing.T) {
	f := newRevocationFixture(t)
	ctx := context.Background()

	_, err := f.rotator.CreateFamily(ctx, refresh.CreateFamilyInput{
		JTI: "RT1", UserID: "U1", ClientID: "cli1", Scope: "openid offline_access", TTL: time.Hour,
	})
	require.NoError(t, err)

	now := time.Now()
	tok, err := f.codec.Sign(jwtcodec.SigningKey{KeyID: "k1", Algorithm: "RS256", Key: f.priv}, jwtcodec.SignInput{
		Subject: "U1", Audience: "cli1", JTI: "RT1", Rtv: 1, IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	res := f.engine.Revoke(ctx, Request{Token: tok, TokenTypeHint: "refresh_token", ClientID: "cli1", ClientSecret: "s3cret"})
	assert.Equal(t, 200, res.StatusCode)

	_, err = f.rotator.Rotate(ctx, refresh.RotateInput{IncomingVersion: 1, IncomingJTI: "RT1", UserID: "U1", ClientID: "cli1"})
	assert.Error(t, err)
}

func TestRevoke_NoHint_ProbesRotatorFirst(t *testing.T) {
	f := newRevocationFixture(t)
	ctx := context.Background()

	_, err := f.rotator.CreateFamily(ctx, refresh.CreateFamilyInput{
		JTI: "RT1", UserID: "U1", ClientID: "cli1", Scope: "openid offline_access", TTL: time.Hour,
	})
	require.NoError(t, err)

	now := time.Now()
	tok, err := f.codec.Sign(jwtcodec.SigningKey{KeyID: "k1", Algorithm: "RS256", Key: f.priv}, jwtcodec.SignInput{
		Subject: "U1", Audience: "cli1", JTI: "RT1", Rtv: 1, IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	res := f.engine.Revoke(ctx, Request{Token: tok, ClientID: "cli1", ClientSecret: "s3cret"})
	assert.Equal(t, 200, res.StatusCode)

	_, err = f.rotator.Rotate(ctx, refresh.RotateInput{IncomingVersion: 1, IncomingJTI: "RT1", UserID: "U1", ClientID: "cli1"})
	assert.Error(t, err)
}

func TestRevoke_UnparseableToken_Returns200(t *testing.T) {
	f := newRevocationFixture(t)
	res := f.engine.Revoke(context.Background(), Request{Token: "not-a-jwt", ClientID: "cli1", ClientSecret: "s3cret"})
	assert.Equal(t, 200, res.StatusCode)
	assert.NoError(t, res.Err)
}

func TestRevoke_WrongClientOwnership_Returns200WithoutRevoking(t *testing.T) {
	f := newRevocationFixture(t)
	ctx := context.Background()

	tok := f.signAccessToken(t, "AT1", time.Hour)

	res := f.engine.Revoke(ctx, Request{Token: tok, TokenTypeHint: "access_token", ClientID: "cli-other"})
	assert.Equal(t, 200, res.StatusCode)

	revoked, err := f.tokens.IsRevoked(ctx, "AT1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevoke_BadClientSecret_Returns401(t *testing.T) {
	f := newRevocationFixture(t)
	tok := f.signAccessToken(t, "AT1", time.Hour)

	res := f.engine.Revoke(context.Background(), Request{Token: tok, ClientID: "cli1", ClientSecret: "wrong"})
	assert.Equal(t, 401, res.StatusCode)
	assert.Error(t, res.Err)
}

func TestRevoke_MissingToken_IsInvalidRequest(t *testing.T) {
	f := newRevocationFixture(t)
	res := f.engine.Revoke(context.Background(), Request{ClientID: "cli1", ClientSecret: "s3cret"})
	assert.Equal(t, 400, res.StatusCode)
	assert.Error(t, res.Err)
}

func TestRevoke_BasicAuthCredentials(t *testing.T) {
	f := newRevocationFixture(t)
	tok := f.signAccessToken(t, "AT1", time.Hour)

	// "cli1:s3cret" base64-encoded.
	res := f.engine.Revoke(context.Background(), Request{
		Token: tok, TokenTypeHint: "access_token",
		AuthorizationHdr: "Basic " + base64.StdEncoding.EncodeToString([]byte("cli1:s3cret")),
	})
	assert.Equal(t, 200, res.StatusCode)
	assert.NoError(t, res.Err)
}
