// Package jwtcodec is the JWT codec named in spec §2 ("parse header/payload,
// verify RS256/ES256 against a provided key, construct signed tokens").
// It backs access-token issuance/verification and the refresh-token JWT
// wire format of spec §6 ("a signed JWT whose payload includes at minimum
// sub, aud=client_id, jti, rtv, iat, exp, scope").
package jwtcodec

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the claim set used throughout this module: access tokens,
// refresh-token JWTs, and ID tokens all share this shape, with unused
// fields simply left zero.
type Claims struct {
	// Rtv is the refresh-token version claim (spec §4.4); zero for
	// non-refresh tokens.
	Rtv uint32 `json:"rtv,omitempty"`
	// Scope is a space-delimited scope string (spec §3).
	Scope string `json:"scope,omitempty"`
	// ClientID duplicates the aud claim for callers that prefer a named
	// field; introspection's "client_id claim must exist" check (spec
	// §4.6 step 7) reads this.
	ClientID string `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// SigningKey pairs a kid/algorithm with the private key material, mirroring
// authserver.SigningKey from the teacher.
type SigningKey struct {
	KeyID     string
	Algorithm string // "RS256" or "ES256"
	Key       crypto.Signer
}

// SigningMethod returns the jwt-go signing method for this key's algorithm.
func (k SigningKey) SigningMethod() (jwt.SigningMethod, error) {
	switch k.Algorithm {
	case "RS256":
		return jwt.SigningMethodRS256, nil
	case "ES256":
		return jwt.SigningMethodES256, nil
	default:
		return nil, fmt.Errorf("jwtcodec: unsupported algorithm %q", k.Algorithm)
	}
}

// MinRSAKeyBits is the minimum RSA modulus size accepted for signing keys,
// per NIST SP 800-57.
const MinRSAKeyBits = 2048

// Validate checks that the key material matches the declared algorithm and
// meets the minimum strength bar (spec §6: "RS256, ES256"; alg:none is
// handled separately by Verify's allowNone parameter).
func (k SigningKey) Validate() error {
	if k.KeyID == "" {
		return fmt.Errorf("jwtcodec: key ID is required")
	}
	if k.Key == nil {
		return fmt.Errorf("jwtcodec: key is required")
	}
	switch k.Algorithm {
	case "RS256":
		rsaKey, ok := k.Key.(*rsa.PrivateKey)
		if !ok {
			return fmt.Errorf("jwtcodec: RS256 requires *rsa.PrivateKey, got %T", k.Key)
		}
		if rsaKey.N.BitLen() < MinRSAKeyBits {
			return fmt.Errorf("jwtcodec: RSA key must be at least %d bits, got %d", MinRSAKeyBits, rsaKey.N.BitLen())
		}
	case "ES256":
		ecKey, ok := k.Key.(*ecdsa.PrivateKey)
		if !ok {
			return fmt.Errorf("jwtcodec: ES256 requires *ecdsa.PrivateKey, got %T", k.Key)
		}
		if ecKey.Curve.Params().Name != "P-256" {
			return fmt.Errorf("jwtcodec: ES256 requires curve P-256, got %s", ecKey.Curve.Params().Name)
		}
	default:
		return fmt.Errorf("jwtcodec: unsupported algorithm %q", k.Algorithm)
	}
	return nil
}

// Codec signs and verifies JWTs for a single issuer.
type Codec struct {
	issuer string
}

// NewCodec creates a Codec that stamps/validates the given issuer.
func NewCodec(issuer string) *Codec {
	return &Codec{issuer: issuer}
}

// SignInput describes the claims to stamp onto a new token.
type SignInput struct {
	Subject   string
	Audience  string
	JTI       string
	Scope     string
	Rtv       uint32
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Sign constructs and signs a JWT per SignInput using key, setting the
// "kid" header so verifiers can select the right JWKS entry.
func (c *Codec) Sign(key SigningKey, in SignInput) (string, error) {
	method, err := key.SigningMethod()
	if err != nil {
		return "", err
	}

	claims := Claims{
		Rtv:      in.Rtv,
		Scope:    in.Scope,
		ClientID: in.Audience,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   in.Subject,
			Audience:  jwt.ClaimStrings{in.Audience},
			ID:        in.JTI,
			IssuedAt:  jwt.NewNumericDate(in.IssuedAt),
			NotBefore: jwt.NewNumericDate(in.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(in.ExpiresAt),
		},
	}

	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = key.KeyID

	signed, err := tok.SignedString(key.Key)
	if err != nil {
		return "", fmt.Errorf("jwtcodec: sign: %w", err)
	}
	return signed, nil
}

// KeyResolver resolves a verification key for a given kid/alg pair,
// consulting the JWKS cache hierarchy (spec §4.6 step 5).
type KeyResolver func(kid, alg string) (any, error)

// ParseUnverified extracts claims without checking the signature, used by
// introspection's step 4 ("Parse the token ... without signature check").
func (c *Codec) ParseUnverified(tokenString string) (*Claims, error) {
	parser := jwt.NewParser()
	tok, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("jwtcodec: parse: %w", err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("jwtcodec: unexpected claims type")
	}
	return claims, nil
}

// Kid returns the "kid" header of tokenString without verifying anything.
func (c *Codec) Kid(tokenString string) (string, error) {
	parser := jwt.NewParser()
	tok, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return "", fmt.Errorf("jwtcodec: parse: %w", err)
	}
	kid, _ := tok.Header["kid"].(string)
	return kid, nil
}

// Verify parses tokenString and verifies its signature using resolve to
// obtain the verification key for the token's kid. It enforces the
// RS256/ES256 algorithm allowlist (spec §6: "alg:none is rejected unless a
// tenant explicitly opts in") but does not enforce exp/nbf/iss/aud; callers
// layer those checks per their own ordering requirements (spec §4.6).
func (c *Codec) Verify(tokenString string, resolve KeyResolver, allowNone bool) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (any, error) {
		alg, _ := tok.Header["alg"].(string)
		if alg == "none" {
			if !allowNone {
				return nil, fmt.Errorf("jwtcodec: alg:none not permitted")
			}
			return jwt.UnsafeAllowNoneSignatureType, nil
		}
		switch tok.Method.(type) {
		case *jwt.SigningMethodRSA:
			if alg != "RS256" {
				return nil, fmt.Errorf("jwtcodec: unsupported RSA variant %q", alg)
			}
		case *jwt.SigningMethodECDSA:
			if alg != "ES256" {
				return nil, fmt.Errorf("jwtcodec: unsupported ECDSA variant %q", alg)
			}
		default:
			return nil, fmt.Errorf("jwtcodec: unexpected signing method %T", tok.Method)
		}

		kid, _ := tok.Header["kid"].(string)
		key, err := resolve(kid, alg)
		if err != nil {
			return nil, err
		}
		switch k := key.(type) {
		case *rsa.PublicKey, *ecdsa.PublicKey:
			return k, nil
		default:
			return nil, fmt.Errorf("jwtcodec: resolver returned unexpected key type %T", key)
		}
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("jwtcodec: verify: %w", err)
	}
	return claims, nil
}
