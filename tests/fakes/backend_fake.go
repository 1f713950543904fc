package fakes

import (
	"context"
	"errors"
	"sync"

	"github.com/systmms/secretbroker/pkg/backend"
)

// FakeBackend is a scriptable in-memory backend for broker and server tests.
// Per-operation hook functions override the default map-backed behavior.
type FakeBackend struct {
	mu sync.Mutex

	BackendName string
	Secrets     map[string]backend.SecretValue

	FetchFunc  func(ctx context.Context, path string) (backend.SecretValue, error)
	StoreFunc  func(ctx context.Context, path string, fields map[string]string) (int64, error)
	RotateFunc func(ctx context.Context, path string) (backend.SecretValue, error)
	DeleteFunc func(ctx context.Context, path string) error

	FetchCalls  int
	StoreCalls  int
	RotateCalls int
	DeleteCalls int
	CloseCalls  int
}

// NewFakeBackend creates an empty fake named name.
func NewFakeBackend(name string) *FakeBackend {
	return &FakeBackend{
		BackendName: name,
		Secrets:     make(map[string]backend.SecretValue),
	}
}

// Seed stores a value directly, bypassing hooks and counters.
func (f *FakeBackend) Seed(path string, fields map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Secrets[path] = backend.SecretValue{
		Fields:  fields,
		Version: 1,
		Backend: f.BackendName,
	}
}

func (f *FakeBackend) Name() string {
	return f.BackendName
}

func (f *FakeBackend) Fetch(ctx context.Context, path string) (backend.SecretValue, error) {
	f.mu.Lock()
	f.FetchCalls++
	hook := f.FetchFunc
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, path)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	value, exists := f.Secrets[path]
	if !exists {
		return backend.SecretValue{}, backend.NewError(backend.KindNotFound, f.BackendName, path,
			errors.New("secret not found"))
	}
	return value.Clone(), nil
}

func (f *FakeBackend) Store(ctx context.Context, path string, fields map[string]string) (int64, error) {
	f.mu.Lock()
	f.StoreCalls++
	hook := f.StoreFunc
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, path, fields)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	version := int64(1)
	if existing, exists := f.Secrets[path]; exists {
		version = existing.Version + 1
	}
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	f.Secrets[path] = backend.SecretValue{
		Fields:  copied,
		Version: version,
		Backend: f.BackendName,
	}
	return version, nil
}

func (f *FakeBackend) Rotate(ctx context.Context, path string) (backend.SecretValue, error) {
	f.mu.Lock()
	f.RotateCalls++
	hook := f.RotateFunc
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, path)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	value, exists := f.Secrets[path]
	if !exists {
		return backend.SecretValue{}, backend.NewError(backend.KindNotFound, f.BackendName, path,
			errors.New("secret not found"))
	}

	rotated := make(map[string]string, len(value.Fields))
	for k := range value.Fields {
		rotated[k] = "rotated-" + k
	}
	next := backend.SecretValue{
		Fields:  rotated,
		Version: value.Version + 1,
		Backend: f.BackendName,
	}
	f.Secrets[path] = next
	return next.Clone(), nil
}

func (f *FakeBackend) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	f.DeleteCalls++
	hook := f.DeleteFunc
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, path)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.Secrets[path]; !exists {
		return backend.NewError(backend.KindNotFound, f.BackendName, path,
			errors.New("secret not found"))
	}
	delete(f.Secrets, path)
	return nil
}

func (f *FakeBackend) Validate(ctx context.Context) error {
	return nil
}

func (f *FakeBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		SupportsVersioning: true,
		SupportsRotation:   true,
	}
}

func (f *FakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCalls++
	return nil
}
