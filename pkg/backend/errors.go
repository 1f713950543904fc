package backend

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a backend failure into the shared taxonomy. Every adapter
// maps its vendor errors onto exactly one kind; the broker and the HTTP layer
// branch on kinds, never on vendor error types.
type Kind int

const (
	// KindInternal is the zero value: an unclassified failure.
	KindInternal Kind = iota

	// KindNotFound: the secret does not exist in the backend namespace.
	KindNotFound

	// KindUnauthorized: the backend (or the policy gate) rejected the
	// caller's credentials or capabilities.
	KindUnauthorized

	// KindUnavailable: the backend could not be reached, timed out, or
	// returned a server-side failure.
	KindUnavailable

	// KindRateLimited: the vendor throttled the request.
	KindRateLimited

	// KindConflict: a write lost a version race (check-and-set mismatch).
	KindConflict
)

// String returns the lower-case taxonomy name used in audit events and logs.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindUnavailable:
		return "unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is the taxonomy error returned by adapters and the broker.
type Error struct {
	Kind    Kind
	Backend string
	Path    string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Backend, e.Kind)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a taxonomy error. A nil err is allowed.
func NewError(kind Kind, backendName, path string, err error) *Error {
	return &Error{Kind: kind, Backend: backendName, Path: path, Err: err}
}

// KindOf extracts the taxonomy kind from err. Context cancellation and
// deadline expiry classify as unavailable; anything else unrecognized is
// internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindUnavailable
	}
	return KindInternal
}

// IsNotFound reports whether err classifies as not found.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsUnauthorized reports whether err classifies as unauthorized.
func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }

// IsUnavailable reports whether err classifies as unavailable.
func IsUnavailable(err error) bool { return KindOf(err) == KindUnavailable }

// IsRateLimited reports whether err classifies as rate limited.
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }

// IsConflict reports whether err classifies as a version conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// Retryable reports whether a read may be retried after err. Writes and
// rotations are never retried regardless of kind.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindUnavailable || k == KindRateLimited
}
