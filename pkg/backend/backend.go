// Package backend defines the contract every secret backend adapter in
// secretbroker implements.
//
// A Backend normalizes one vendor API (HashiCorp Vault, AWS Secrets Manager,
// Google Secret Manager, Azure Key Vault, ...) into a common
// fetch/store/delete/rotate surface. Adapters translate vendor errors into
// the shared taxonomy in this package so callers can branch on error kind
// without knowing which vendor served the request.
//
// Implementations must be safe for concurrent use and must support context
// cancellation on every call that performs network I/O. Adapters hold no
// local state across calls beyond their vendor client; caching is the
// broker's job, not the adapter's.
package backend

import (
	"context"
	"time"
)

// Backend is the uniform adapter contract over one vendor secret store.
type Backend interface {
	// Name returns the configured instance name (not the vendor type).
	// Used for logging and audit events.
	Name() string

	// Fetch retrieves the current version of the secret at path.
	// Returns an Error with KindNotFound if the secret does not exist.
	Fetch(ctx context.Context, path string) (SecretValue, error)

	// Store writes fields as a new version of the secret at path, creating
	// the secret if the vendor requires it. Returns the new version number.
	// A concurrent-modification rejection from the vendor maps to
	// KindConflict.
	Store(ctx context.Context, path string, fields map[string]string) (int64, error)

	// Rotate generates new material for the secret at path, writes it as a
	// new version, and returns the post-rotation value. Rotation is not
	// idempotent and is never retried by callers.
	Rotate(ctx context.Context, path string) (SecretValue, error)

	// Delete removes the secret at path. Deleting an absent secret returns
	// KindNotFound.
	Delete(ctx context.Context, path string) error

	// Validate checks connectivity and credentials without touching any
	// secret material. Called by `secretbroker validate` and at serve
	// startup.
	Validate(ctx context.Context) error

	// Capabilities reports what this adapter supports.
	Capabilities() Capabilities

	// Close releases vendor connections. The backend is unusable afterwards.
	Close() error
}

// SecretValue is a fetched secret: a field map plus version and lease
// metadata. LeaseExpiry is nil for static secrets; the broker substitutes its
// configured default TTL when caching those.
type SecretValue struct {
	// Fields maps field name to value. Values are never logged.
	Fields map[string]string `json:"fields"`

	// Version is a monotonic version number within the backend namespace.
	Version int64 `json:"version"`

	// LeaseExpiry is the instant the backend-granted lease ends, nil when
	// the backend issued no lease.
	LeaseExpiry *time.Time `json:"lease_expiry,omitempty"`

	// Backend is the name of the adapter instance that served the value.
	Backend string `json:"backend"`
}

// Clone returns a deep copy so cached values cannot be mutated by callers.
func (v SecretValue) Clone() SecretValue {
	out := v
	out.Fields = make(map[string]string, len(v.Fields))
	for k, val := range v.Fields {
		out.Fields[k] = val
	}
	if v.LeaseExpiry != nil {
		t := *v.LeaseExpiry
		out.LeaseExpiry = &t
	}
	return out
}

// Capabilities describes what operations an adapter supports. The broker uses
// this to reject operations a vendor cannot perform before making any call.
type Capabilities struct {
	// SupportsVersioning indicates the vendor keeps prior versions.
	SupportsVersioning bool

	// SupportsRotation indicates Rotate is implemented vendor-side rather
	// than rejected.
	SupportsRotation bool

	// SupportsLeases indicates the vendor grants time-bounded leases on
	// reads (dynamic secrets).
	SupportsLeases bool

	// AuthMethods lists the authentication methods the adapter accepts,
	// e.g. "token", "iam-role", "client-secret".
	AuthMethods []string
}
