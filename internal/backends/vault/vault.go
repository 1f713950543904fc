package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	brokererrors "github.com/systmms/secretbroker/internal/errors"
	"github.com/systmms/secretbroker/internal/rotation"
	"github.com/systmms/secretbroker/pkg/backend"
)

const (
	DefaultMount   = "secret"
	DefaultTimeout = 30 * time.Second
)

// Backend adapts HashiCorp Vault KV v2 to the broker's backend contract.
type Backend struct {
	name   string
	config Config
	client Client
}

// Config holds Vault-specific configuration.
type Config struct {
	Address    string `yaml:"address"`
	Token      string `yaml:"token"`
	AuthMethod string `yaml:"auth_method"`
	Namespace  string `yaml:"namespace"`
	Mount      string `yaml:"mount"`

	UserpassUsername string `yaml:"userpass_username"`
	UserpassPassword string `yaml:"userpass_password"`
	K8SRole          string `yaml:"k8s_role"`

	TLSSkip bool `yaml:"tls_skip"`
}

// Client is the Vault API surface the backend needs, split out for tests.
type Client interface {
	Read(ctx context.Context, path string) (*kvSecret, error)
	Write(ctx context.Context, path string, data map[string]interface{}, cas int64) (int64, error)
	Delete(ctx context.Context, path string) error
	Authenticate(ctx context.Context) error
	Health(ctx context.Context) error
	Close() error
}

// Option is a functional option for the Vault backend.
type Option func(*Backend)

// WithClient injects a custom client, used by tests.
func WithClient(client Client) Option {
	return func(b *Backend) {
		b.client = client
	}
}

// NewBackend creates a Vault backend. Recognized config keys: address
// (required unless VAULT_ADDR is set), token, auth_method, namespace, mount,
// userpass_username, userpass_password, k8s_role, tls_skip. Environment
// variables VAULT_ADDR, VAULT_TOKEN and VAULT_NAMESPACE override the file.
func NewBackend(name string, configMap map[string]interface{}, opts ...Option) (backend.Backend, error) {
	config := Config{
		AuthMethod: "token",
		Mount:      DefaultMount,
	}

	if addr, ok := configMap["address"].(string); ok {
		config.Address = addr
	}
	if token, ok := configMap["token"].(string); ok {
		config.Token = token
	}
	if authMethod, ok := configMap["auth_method"].(string); ok {
		config.AuthMethod = authMethod
	}
	if namespace, ok := configMap["namespace"].(string); ok {
		config.Namespace = namespace
	}
	if mount, ok := configMap["mount"].(string); ok {
		config.Mount = mount
	}
	if username, ok := configMap["userpass_username"].(string); ok {
		config.UserpassUsername = username
	}
	if password, ok := configMap["userpass_password"].(string); ok {
		config.UserpassPassword = password
	}
	if role, ok := configMap["k8s_role"].(string); ok {
		config.K8SRole = role
	}
	if tlsSkip, ok := configMap["tls_skip"].(bool); ok {
		config.TLSSkip = tlsSkip
	}

	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		config.Address = addr
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		config.Token = token
	}
	if namespace := os.Getenv("VAULT_NAMESPACE"); namespace != "" {
		config.Namespace = namespace
	}

	if config.Address == "" {
		return nil, brokererrors.ConfigError{
			Field:      "address",
			Message:    "Vault address is required",
			Suggestion: "Set 'address' in the backend config or the VAULT_ADDR environment variable",
		}
	}

	b := &Backend{
		name:   name,
		config: config,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		b.client = &HTTPVaultClient{config: config}
	}

	return b, nil
}

// Name returns the configured instance name.
func (b *Backend) Name() string {
	return b.name
}

// Fetch reads the current KV v2 version at path. A lease_duration on the
// response becomes the value's lease expiry.
func (b *Backend) Fetch(ctx context.Context, path string) (backend.SecretValue, error) {
	if err := b.client.Authenticate(ctx); err != nil {
		return backend.SecretValue{}, backend.NewError(backend.KindUnauthorized, b.name, path, err)
	}

	secret, err := b.client.Read(ctx, path)
	if err != nil {
		return backend.SecretValue{}, b.mapError(err, path)
	}

	value := backend.SecretValue{
		Fields:  fieldsFromData(secret.Data),
		Version: secret.Version,
		Backend: b.name,
	}
	if secret.LeaseDuration > 0 {
		expiry := time.Now().Add(time.Duration(secret.LeaseDuration) * time.Second)
		value.LeaseExpiry = &expiry
	}
	return value, nil
}

// Store writes fields as a new KV v2 version.
func (b *Backend) Store(ctx context.Context, path string, fields map[string]string) (int64, error) {
	if err := b.client.Authenticate(ctx); err != nil {
		return 0, backend.NewError(backend.KindUnauthorized, b.name, path, err)
	}

	version, err := b.client.Write(ctx, path, dataFromFields(fields), -1)
	if err != nil {
		return 0, b.mapError(err, path)
	}
	return version, nil
}

// Rotate replaces every field with fresh random material. The write carries
// a check-and-set constraint on the fetched version so a concurrent rotation
// surfaces as a conflict instead of silently overwriting.
func (b *Backend) Rotate(ctx context.Context, path string) (backend.SecretValue, error) {
	current, err := b.Fetch(ctx, path)
	if err != nil {
		return backend.SecretValue{}, err
	}

	rotated, err := rotation.RotateFields(current.Fields)
	if err != nil {
		return backend.SecretValue{}, backend.NewError(backend.KindInternal, b.name, path, err)
	}

	version, err := b.client.Write(ctx, path, dataFromFields(rotated), current.Version)
	if err != nil {
		return backend.SecretValue{}, b.mapError(err, path)
	}

	return backend.SecretValue{
		Fields:  rotated,
		Version: version,
		Backend: b.name,
	}, nil
}

// Delete removes the secret's metadata and all versions.
func (b *Backend) Delete(ctx context.Context, path string) error {
	if err := b.client.Authenticate(ctx); err != nil {
		return backend.NewError(backend.KindUnauthorized, b.name, path, err)
	}
	if err := b.client.Delete(ctx, path); err != nil {
		return b.mapError(err, path)
	}
	return nil
}

// Validate checks configuration, authenticates, and probes sys/health.
func (b *Backend) Validate(ctx context.Context) error {
	switch b.config.AuthMethod {
	case "token":
		if b.config.Token == "" && os.Getenv("VAULT_TOKEN") == "" {
			return brokererrors.ConfigError{
				Field:      "token",
				Message:    "Vault token is required for token auth",
				Suggestion: "Set 'token' in the backend config or the VAULT_TOKEN environment variable",
			}
		}
	case "userpass":
		if b.config.UserpassUsername == "" {
			return brokererrors.ConfigError{
				Field:      "userpass_username",
				Message:    "Username is required for userpass auth",
				Suggestion: "Set 'userpass_username' in the backend config",
			}
		}
	case "k8s", "kubernetes":
		if b.config.K8SRole == "" {
			return brokererrors.ConfigError{
				Field:      "k8s_role",
				Message:    "Kubernetes role is required for k8s auth",
				Suggestion: "Set 'k8s_role' in the backend config",
			}
		}
	default:
		return brokererrors.ConfigError{
			Field:      "auth_method",
			Value:      b.config.AuthMethod,
			Message:    "unsupported authentication method",
			Suggestion: "Supported methods: token, userpass, k8s",
		}
	}

	if err := b.client.Authenticate(ctx); err != nil {
		return brokererrors.UserError{
			Message:    "Failed to authenticate with Vault",
			Details:    err.Error(),
			Suggestion: errorSuggestion(err, b.config.Address),
		}
	}
	if err := b.client.Health(ctx); err != nil {
		return brokererrors.UserError{
			Message:    "Vault health check failed",
			Details:    err.Error(),
			Suggestion: errorSuggestion(err, b.config.Address),
		}
	}
	return nil
}

// Capabilities reports what the Vault adapter supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		SupportsVersioning: true,
		SupportsRotation:   true,
		SupportsLeases:     true,
		AuthMethods:        []string{"token", "userpass", "k8s"},
	}
}

// Close releases the client token.
func (b *Backend) Close() error {
	return b.client.Close()
}

// mapError converts Vault HTTP errors into the shared taxonomy.
func (b *Backend) mapError(err error, path string) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 404:
			return backend.NewError(backend.KindNotFound, b.name, path, err)
		case 401, 403:
			return backend.NewError(backend.KindUnauthorized, b.name, path, err)
		case 429:
			return backend.NewError(backend.KindRateLimited, b.name, path, err)
		case 400:
			if strings.Contains(apiErr.Body, "check-and-set") {
				return backend.NewError(backend.KindConflict, b.name, path, err)
			}
			return backend.NewError(backend.KindInternal, b.name, path, err)
		}
		if apiErr.StatusCode >= 500 {
			return backend.NewError(backend.KindUnavailable, b.name, path, err)
		}
		return backend.NewError(backend.KindInternal, b.name, path, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return backend.NewError(backend.KindUnavailable, b.name, path, err)
	}
	// Transport failures: connection refused, DNS, TLS.
	return backend.NewError(backend.KindUnavailable, b.name, path, err)
}

// fieldsFromData flattens KV data into the broker's string field map.
func fieldsFromData(data map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(data))
	for k, raw := range data {
		switch v := raw.(type) {
		case string:
			fields[k] = v
		case bool:
			fields[k] = strconv.FormatBool(v)
		case float64:
			fields[k] = strconv.FormatFloat(v, 'g', -1, 64)
		case nil:
			fields[k] = ""
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				fields[k] = fmt.Sprintf("%v", v)
				continue
			}
			fields[k] = string(encoded)
		}
	}
	return fields
}

func dataFromFields(fields map[string]string) map[string]interface{} {
	data := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		data[k] = v
	}
	return data
}

func errorSuggestion(err error, address string) string {
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "connection refused"):
		return "Check that Vault server is running and accessible at " + address
	case strings.Contains(errStr, "permission denied"):
		return "Check your Vault token permissions for this path"
	case strings.Contains(errStr, "invalid token"):
		return "Your Vault token may be expired or invalid"
	case strings.Contains(errStr, "sealed"):
		return "Unseal the Vault server before using this backend"
	case strings.Contains(errStr, "namespace"):
		return "Check your Vault namespace configuration"
	case strings.Contains(errStr, "tls"):
		return "Check TLS configuration or try setting tls_skip: true for testing"
	default:
		return "Check your Vault configuration and connectivity"
	}
}
