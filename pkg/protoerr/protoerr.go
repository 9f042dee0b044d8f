// Package protoerr defines the OAuth2/OIDC error-kind taxonomy shared by
// every component in the security core (spec §7). Protocol engines surface
// these kinds directly; actors return them so a caller can map to the
// correct HTTP status code without re-deriving it from an opaque error
// string.
package protoerr

import (
	"errors"
	"fmt"
)

// Kind is the protocol-visible error classification.
type Kind string

// Error kinds, per spec §7.
const (
	KindInvalidRequest Kind = "invalid_request"
	KindInvalidClient  Kind = "invalid_client"
	KindInvalidGrant   Kind = "invalid_grant"
	KindInvalidScope   Kind = "invalid_scope"
	KindTooManyCodes   Kind = "too_many_codes"
	KindNotFound       Kind = "not_found"
	KindForbidden      Kind = "forbidden"
	KindServerError    Kind = "server_error"
)

// Status returns the conventional HTTP status code for a Kind, per spec §7.
// Callers implementing introspection/revocation must NOT use this for
// token-validity outcomes (those always collapse to 200 per spec §4.6/§4.7);
// it applies to client-authentication and request-shape errors only.
func (k Kind) Status() int {
	switch k {
	case KindInvalidClient:
		return 401
	case KindNotFound:
		return 404
	case KindForbidden:
		return 403
	case KindServerError:
		return 500
	case KindInvalidRequest, KindInvalidGrant, KindInvalidScope, KindTooManyCodes:
		return 400
	default:
		return 500
	}
}

// Error is a protocol error carrying a Kind, a human-readable description,
// an optional side-effect Action (e.g. "family_revoked" on theft detection),
// and an optional wrapped cause.
type Error struct {
	Kind        Kind
	Description string
	Action      string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Newf constructs an *Error with a formatted description.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error carrying a wrapped cause.
func Wrap(kind Kind, description string, cause error) *Error {
	return &Error{Kind: kind, Description: description, Cause: cause}
}

// WithAction returns a copy of the error with Action set, used for the
// theft_detected sub-kind's "action":"family_revoked" annotation (spec §7).
func (e *Error) WithAction(action string) *Error {
	clone := *e
	clone.Action = action
	return &clone
}

// Is reports whether err is a protoerr.Error of the given Kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// TheftDetected is a convenience constructor for the theft_detected
// sub-kind of invalid_grant (spec §4.4, §7).
func TheftDetected(description string) *Error {
	return New(KindInvalidGrant, description).WithAction("family_revoked")
}
