// Package audit records every access decision and backend call the broker
// makes. Events are append-only and immutable: sinks only ever add records.
//
// Recording is fire-and-forget. A sink failure must never block or fail the
// secret operation it describes; the Recorder falls back to the local logger
// and increments secretbroker_audit_failures_total so a missing audit trail
// is a monitorable condition rather than a silent gap.
package audit

import (
	"context"
	"time"

	"github.com/systmms/secretbroker/internal/policy"
)

// Outcome is the decision recorded for an event.
type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
)

// Event is one immutable audit record.
type Event struct {
	// Time is when the decision was made, not when the record was written.
	Time time.Time `json:"time"`

	// Caller is the opaque caller identity for the request.
	Caller string `json:"caller"`

	// Path is the requested secret path.
	Path string `json:"path"`

	// Capability is the operation class that was requested.
	Capability policy.Capability `json:"capability"`

	// Outcome is granted or denied.
	Outcome Outcome `json:"outcome"`

	// Backend names the adapter that served (or would have served) the
	// request. Empty for denials that never reached a backend.
	Backend string `json:"backend,omitempty"`

	// ErrorKind carries the taxonomy kind when the operation failed after
	// authorization, e.g. "unavailable". Empty on success and on policy
	// denials.
	ErrorKind string `json:"error_kind,omitempty"`

	// Reason is the policy denial reason. Empty on grants.
	Reason string `json:"reason,omitempty"`

	// CacheHit marks reads served from the lease cache without a backend
	// call.
	CacheHit bool `json:"cache_hit,omitempty"`
}

// Sink persists audit events.
type Sink interface {
	Record(ctx context.Context, event Event) error
	Close() error
}
