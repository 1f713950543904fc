// Package logging provides the broker's logger with secret redaction
// support. Secret values must always pass through the Secret type or Redact
// before reaching a log line.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Logger writes leveled, human-readable messages to stderr (or a configured
// writer in tests). It is safe for concurrent use.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	debug   bool
	noColor bool
}

// New creates a logger writing to stderr.
func New(debug, noColor bool) *Logger {
	return &Logger{out: os.Stderr, debug: debug, noColor: noColor}
}

// NewWithWriter creates a logger writing to w, used by tests and the audit
// fallback path.
func NewWithWriter(w io.Writer, debug bool) *Logger {
	return &Logger{out: w, debug: debug, noColor: true}
}

func (l *Logger) log(glyph, color, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.noColor {
		fmt.Fprintf(l.out, "%s %s\n", glyph, msg)
		return
	}
	fmt.Fprintf(l.out, "%s%s\033[0m %s\n", color, glyph, msg)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log("✓", "\033[32m", format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log("⚠", "\033[33m", format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log("✗", "\033[31m", format, args...)
}

// Debug logs a debug message when debug mode is enabled.
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.log("[DEBUG]", "\033[36m", format, args...)
}

// Secret is a value that renders as [REDACTED] under every fmt verb.
type Secret string

// String implements fmt.Stringer, always redacted.
func (s Secret) String() string {
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v formatting.
func (s Secret) GoString() string {
	return "[REDACTED]"
}

// Redact replaces every occurrence of the given secret values in s.
func Redact(s string, secrets []string) string {
	result := s
	for _, secret := range secrets {
		// Trivially short values would redact unrelated text.
		if len(secret) > 3 {
			result = strings.ReplaceAll(result, secret, "[REDACTED]")
		}
	}
	return result
}
