// Package idgen supplies the clock and id-generation primitives named in
// spec §2 ("Clock & ID source: Monotonic time, UUIDv4, base64url"). The
// session, authcode, refresh, ratelimit and revocation actors take their
// time and ids from these interfaces, so they can be tested deterministically
// by swapping in a fake Clock/IDSource; the introspection and revocation
// engines, the JWKS cache defaults, the maintenance scheduler and the
// Gateway read the system clock directly.
package idgen

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so actors can be tested with a fake.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// IDSource abstracts opaque identifier generation.
type IDSource interface {
	// UUID returns a new random UUIDv4 string.
	UUID() string
	// Opaque returns a base64url-encoded random token of n random bytes,
	// used for session ids and authorization codes (spec §3, §6:
	// "Codes are 128-bit opaque strings, base64url").
	Opaque(nBytes int) (string, error)
}

// SystemIDSource is the production IDSource backed by crypto/rand and
// google/uuid.
type SystemIDSource struct{}

// UUID returns a new random UUIDv4 string.
func (SystemIDSource) UUID() string {
	return uuid.NewString()
}

// Opaque returns a base64url-encoded (no padding) random token.
func (SystemIDSource) Opaque(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// FixedClock is a test Clock returning a constant time that can be advanced.
type FixedClock struct {
	t time.Time
}

// NewFixedClock returns a FixedClock starting at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

// Now returns the clock's current fixed time.
func (c *FixedClock) Now() time.Time { return c.t }

// Advance moves the fixed clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

// Set moves the fixed clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.t = t
}
