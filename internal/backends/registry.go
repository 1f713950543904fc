// Package backends hosts the adapter implementations behind the
// pkg/backend contract and the factory registry that creates them from
// configuration.
package backends

import (
	"github.com/systmms/secretbroker/internal/backends/vault"
	brokererrors "github.com/systmms/secretbroker/internal/errors"
	"github.com/systmms/secretbroker/pkg/backend"
)

// Factory creates a backend instance from its inline configuration map.
type Factory func(name string, config map[string]interface{}) (backend.Backend, error)

// Registry maps backend type strings to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in backend types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}

	r.Register("static", NewStaticBackendFactory)
	r.Register("vault", func(name string, config map[string]interface{}) (backend.Backend, error) {
		return vault.NewBackend(name, config)
	})
	r.Register("aws.secretsmanager", NewAWSSecretsManagerFactory)
	r.Register("gcp.secretmanager", NewGCPSecretManagerFactory)
	r.Register("azure.keyvault", NewAzureKeyVaultFactory)

	return r
}

// Register adds (or replaces) a factory for a backend type.
func (r *Registry) Register(backendType string, factory Factory) {
	r.factories[backendType] = factory
}

// Create builds a backend instance named name of the given type.
func (r *Registry) Create(name, backendType string, config map[string]interface{}) (backend.Backend, error) {
	factory, ok := r.factories[backendType]
	if !ok {
		return nil, brokererrors.ConfigError{
			Field:      "type",
			Value:      backendType,
			Message:    "unknown backend type",
			Suggestion: "Supported types: static, vault, aws.secretsmanager, gcp.secretmanager, azure.keyvault",
		}
	}
	return factory(name, config)
}

// SupportedTypes lists the registered backend types.
func (r *Registry) SupportedTypes() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}

// IsSupported reports whether a backend type is registered.
func (r *Registry) IsSupported(backendType string) bool {
	_, ok := r.factories[backendType]
	return ok
}
