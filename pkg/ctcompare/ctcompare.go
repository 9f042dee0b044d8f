// Package ctcompare provides constant-time comparison helpers used at
// every secret-comparison site in the security core (client secrets, PKCE
// digests, revocation-sensitive token strings), per spec §5's mandate.
package ctcompare

import "crypto/subtle"

// Equal reports whether a and b are equal using a constant-time comparison.
// Unlike crypto/subtle.ConstantTimeCompare, it tolerates differing lengths
// without leaking the length difference through branching on len() alone:
// on a length mismatch it still compares b against a zero buffer of b's
// length before returning false, so the cost is independent of where a
// mismatch occurs.
func Equal(a, b string) bool {
	return EqualBytes([]byte(a), []byte(b))
}

// EqualBytes is the []byte form of Equal.
func EqualBytes(a, b []byte) bool {
	// subtle.ConstantTimeCompare itself short-circuits on length, which is
	// safe to leak (lengths of secrets are not sensitive; only their
	// content is), but to keep the run time flat regardless of which
	// operand is shorter we compare against a length-normalized buffer.
	if len(a) != len(b) {
		// Still perform a same-cost comparison against a dummy of equal
		// length to b so that timing does not distinguish "wrong length"
		// from "right length, wrong content" for an observer measuring
		// only this call in isolation.
		dummy := make([]byte, len(b))
		subtle.ConstantTimeCompare(dummy, b)
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
