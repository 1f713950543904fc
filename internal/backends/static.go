package backends

import (
	"context"
	"sync"

	"github.com/systmms/secretbroker/internal/rotation"
	"github.com/systmms/secretbroker/pkg/backend"
)

// StaticBackend is an in-memory backend for tests, local development, and
// `secretbroker validate`. Secrets are versioned and rotation generates
// fresh random values, so the full broker pipeline can run without any
// vendor credentials.
type StaticBackend struct {
	name string

	mu      sync.RWMutex
	secrets map[string]backend.SecretValue
	closed  bool
}

// NewStaticBackend creates an empty static backend.
func NewStaticBackend(name string) *StaticBackend {
	return &StaticBackend{
		name:    name,
		secrets: make(map[string]backend.SecretValue),
	}
}

// NewStaticBackendFactory builds a static backend from configuration.
// Initial values come from a "secrets" map of path -> {field: value}.
func NewStaticBackendFactory(name string, config map[string]interface{}) (backend.Backend, error) {
	b := NewStaticBackend(name)

	if secrets, ok := config["secrets"].(map[string]interface{}); ok {
		for path, raw := range secrets {
			fields := make(map[string]string)
			if fieldMap, ok := raw.(map[string]interface{}); ok {
				for k, v := range fieldMap {
					if s, ok := v.(string); ok {
						fields[k] = s
					}
				}
			}
			b.Seed(path, fields)
		}
	}

	return b, nil
}

// Seed installs a secret directly, bypassing version checks. Test helper and
// factory use only.
func (b *StaticBackend) Seed(path string, fields map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	version := int64(1)
	if existing, ok := b.secrets[path]; ok {
		version = existing.Version + 1
	}
	b.secrets[path] = backend.SecretValue{
		Fields:  copyFields(fields),
		Version: version,
		Backend: b.name,
	}
}

// Name returns the configured instance name.
func (b *StaticBackend) Name() string {
	return b.name
}

// Fetch returns the current version of the secret at path.
func (b *StaticBackend) Fetch(ctx context.Context, path string) (backend.SecretValue, error) {
	if err := ctx.Err(); err != nil {
		return backend.SecretValue{}, backend.NewError(backend.KindUnavailable, b.name, path, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return backend.SecretValue{}, backend.NewError(backend.KindUnavailable, b.name, path, nil)
	}
	value, ok := b.secrets[path]
	if !ok {
		return backend.SecretValue{}, backend.NewError(backend.KindNotFound, b.name, path, nil)
	}
	return value.Clone(), nil
}

// Store writes fields as a new version.
func (b *StaticBackend) Store(ctx context.Context, path string, fields map[string]string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, backend.NewError(backend.KindUnavailable, b.name, path, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, backend.NewError(backend.KindUnavailable, b.name, path, nil)
	}

	version := int64(1)
	if existing, ok := b.secrets[path]; ok {
		version = existing.Version + 1
	}
	b.secrets[path] = backend.SecretValue{
		Fields:  copyFields(fields),
		Version: version,
		Backend: b.name,
	}
	return version, nil
}

// Rotate replaces every field value with fresh random material.
func (b *StaticBackend) Rotate(ctx context.Context, path string) (backend.SecretValue, error) {
	if err := ctx.Err(); err != nil {
		return backend.SecretValue{}, backend.NewError(backend.KindUnavailable, b.name, path, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return backend.SecretValue{}, backend.NewError(backend.KindUnavailable, b.name, path, nil)
	}
	existing, ok := b.secrets[path]
	if !ok {
		return backend.SecretValue{}, backend.NewError(backend.KindNotFound, b.name, path, nil)
	}

	rotated, err := rotation.RotateFields(existing.Fields)
	if err != nil {
		return backend.SecretValue{}, backend.NewError(backend.KindInternal, b.name, path, err)
	}
	next := backend.SecretValue{
		Fields:  rotated,
		Version: existing.Version + 1,
		Backend: b.name,
	}
	b.secrets[path] = next
	return next.Clone(), nil
}

// Delete removes the secret at path.
func (b *StaticBackend) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return backend.NewError(backend.KindUnavailable, b.name, path, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.secrets[path]; !ok {
		return backend.NewError(backend.KindNotFound, b.name, path, nil)
	}
	delete(b.secrets, path)
	return nil
}

// Validate always succeeds; there is nothing to connect to.
func (b *StaticBackend) Validate(ctx context.Context) error {
	return nil
}

// Capabilities reports what the static backend supports.
func (b *StaticBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		SupportsVersioning: true,
		SupportsRotation:   true,
		SupportsLeases:     false,
		AuthMethods:        nil,
	}
}

// Close marks the backend unusable.
func (b *StaticBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
