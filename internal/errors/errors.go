// Package errors provides user-facing error types with actionable
// suggestions. Backend taxonomy errors live in pkg/backend; the types here
// cover configuration and operator mistakes surfaced by the CLI.
package errors

import (
	"fmt"
	"strings"
)

// UserError is an error shown to the operator with helpful context.
type UserError struct {
	Message    string
	Details    string
	Suggestion string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError is a configuration error tied to a specific field.
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  Try: " + e.Suggestion
	}

	return msg
}

// BackendError wraps a backend failure with the operation that produced it,
// preserving the taxonomy error for errors.As.
func BackendError(backendName, operation string, err error) error {
	return UserError{
		Message:    fmt.Sprintf("%s backend error during %s", backendName, operation),
		Suggestion: backendSuggestion(backendName, err),
		Err:        err,
	}
}

func backendSuggestion(backendName string, err error) string {
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "connection refused"), strings.Contains(errStr, "no such host"):
		return fmt.Sprintf("Check network connectivity and the endpoint configured for backend '%s'", backendName)
	case strings.Contains(errStr, "rate_limited"), strings.Contains(errStr, "throttl"):
		return "The vendor is throttling requests. Wait a moment and try again"
	case strings.Contains(errStr, "unauthorized"), strings.Contains(errStr, "permission"):
		return fmt.Sprintf("Check the credentials configured for backend '%s'", backendName)
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline"):
		return "The operation timed out. Increase timeout_ms for this backend or check connectivity"
	default:
		return "Run 'secretbroker validate' to diagnose backend configuration"
	}
}
