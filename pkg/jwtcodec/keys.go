package jwtcodec

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// MinRSAKeyBits is the minimum required RSA key size, per NIST SP 800-57.
const MinRSAKeyBits = 2048

// LoadSigningKeyFromPEM reads a PEM-encoded private key (PKCS1, PKCS8, or
// SEC1 for EC) from path and returns the parsed private key, rejecting RSA
// keys below MinRSAKeyBits. Supports RSA and ECDSA; the caller is
// responsible for matching the returned key's type against the intended
// algorithm (see SigningKey.Validate).
func LoadSigningKeyFromPEM(path string) (any, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is trusted configuration, not user input
	if err != nil {
		return nil, fmt.Errorf("jwtcodec: failed to read signing key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("jwtcodec: failed to decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwtcodec: parse PKCS1 RSA key: %w", err)
		}
		if key.N.BitLen() < MinRSAKeyBits {
			return nil, fmt.Errorf("jwtcodec: RSA key below minimum required size of %d bits", MinRSAKeyBits)
		}
		return key, nil
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwtcodec: parse PKCS8 key: %w", err)
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			if rsaKey.N.BitLen() < MinRSAKeyBits {
				return nil, fmt.Errorf("jwtcodec: RSA key below minimum required size of %d bits", MinRSAKeyBits)
			}
		}
		return key, nil
	default:
		return nil, fmt.Errorf("jwtcodec: unsupported PEM block type %q", block.Type)
	}
}

// Validate checks k against its declared algorithm, mirroring
// authserver.SigningKey.Validate.
func (k SigningKey) Validate() error {
	if k.KeyID == "" {
		return fmt.Errorf("jwtcodec: key ID is required")
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
		ecdsaKey, ok := k.Key.(*ecdsa.PrivateKey)
		if !ok {
			return fmt.Errorf("jwtcodec: ES256 requires *ecdsa.PrivateKey, got %T", k.Key)
		}
		if ecdsaKey.Curve.Params().Name != "P-256" {
			return fmt.Errorf("jwtcodec: ES256 requires curve P-256, got %s", ecdsaKey.Curve.Params().Name)
		}
	default:
		return fmt.Errorf("jwtcodec: unsupported algorithm %q", k.Algorithm)
	}
	return nil
}
