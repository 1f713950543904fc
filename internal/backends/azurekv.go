package backends

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	brokererrors "github.com/systmms/secretbroker/internal/errors"
	"github.com/systmms/secretbroker/internal/rotation"
	"github.com/systmms/secretbroker/pkg/backend"
)

// AzureKeyVaultAPI is the subset of the Key Vault client the adapter uses,
// defined here so tests can inject a fake.
type AzureKeyVaultAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error)
}

// AzureKeyVaultBackend adapts Azure Key Vault to the Backend contract. Key
// Vault secrets hold a single string, so field maps are stored as JSON
// object strings.
type AzureKeyVaultBackend struct {
	name     string
	client   AzureKeyVaultAPI
	vaultURL string
}

// AzureKeyVaultConfig holds Key Vault-specific configuration.
type AzureKeyVaultConfig struct {
	VaultURL           string
	TenantID           string
	ClientID           string
	ClientSecret       string
	UseManagedIdentity bool
	UserAssignedID     string
}

// AzureOption is a functional option for the Azure adapter.
type AzureOption func(*AzureKeyVaultBackend)

// WithAzureKeyVaultClient injects a custom client, used by tests.
func WithAzureKeyVaultClient(client AzureKeyVaultAPI) AzureOption {
	return func(b *AzureKeyVaultBackend) {
		b.client = client
	}
}

// NewAzureKeyVaultFactory builds the adapter from configuration.
func NewAzureKeyVaultFactory(name string, config map[string]interface{}) (backend.Backend, error) {
	return NewAzureKeyVaultBackend(name, config)
}

// NewAzureKeyVaultBackend creates the adapter. Recognized config keys:
// vault_url (required), tenant_id, client_id, client_secret,
// use_managed_identity, user_assigned_identity_id.
func NewAzureKeyVaultBackend(name string, configMap map[string]interface{}, opts ...AzureOption) (*AzureKeyVaultBackend, error) {
	config := AzureKeyVaultConfig{
		UseManagedIdentity: true,
	}

	if vaultURL, ok := configMap["vault_url"].(string); ok {
		config.VaultURL = vaultURL
	}
	if tenantID, ok := configMap["tenant_id"].(string); ok {
		config.TenantID = tenantID
	}
	if clientID, ok := configMap["client_id"].(string); ok {
		config.ClientID = clientID
	}
	if clientSecret, ok := configMap["client_secret"].(string); ok {
		config.ClientSecret = clientSecret
	}
	if useMI, ok := configMap["use_managed_identity"].(bool); ok {
		config.UseManagedIdentity = useMI
	}
	if userAssignedID, ok := configMap["user_assigned_identity_id"].(string); ok {
		config.UserAssignedID = userAssignedID
	}

	if config.VaultURL == "" {
		return nil, brokererrors.ConfigError{
			Field:      "vault_url",
			Message:    "vault_url is required for Azure Key Vault",
			Suggestion: "Provide the Key Vault URL (e.g., https://my-vault.vault.azure.net/)",
		}
	}
	if _, err := url.Parse(config.VaultURL); err != nil {
		return nil, brokererrors.ConfigError{
			Field:      "vault_url",
			Message:    "Invalid vault_url format",
			Suggestion: "Use format: https://vault-name.vault.azure.net/",
		}
	}

	b := &AzureKeyVaultBackend{
		name:     name,
		vaultURL: config.VaultURL,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		client, err := createAzureKeyVaultClient(config)
		if err != nil {
			return nil, fmt.Errorf("create Azure Key Vault client: %w", err)
		}
		b.client = client
	}

	return b, nil
}

func createAzureKeyVaultClient(config AzureKeyVaultConfig) (*azsecrets.Client, error) {
	var cred azcore.TokenCredential
	var err error

	switch {
	case config.ClientSecret != "":
		cred, err = azidentity.NewClientSecretCredential(config.TenantID, config.ClientID, config.ClientSecret, nil)
	case config.UseManagedIdentity && config.UserAssignedID != "":
		cred, err = azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(config.UserAssignedID),
		})
	case config.UseManagedIdentity:
		cred, err = azidentity.NewManagedIdentityCredential(nil)
	default:
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create Azure credential: %w", err)
	}

	return azsecrets.NewClient(config.VaultURL, cred, nil)
}

// Name returns the configured instance name.
func (b *AzureKeyVaultBackend) Name() string {
	return b.name
}

// secretName maps a broker path onto a Key Vault secret name. Key Vault
// names allow only alphanumerics and dashes.
func (b *AzureKeyVaultBackend) secretName(path string) string {
	return strings.ReplaceAll(path, "/", "-")
}

// Fetch retrieves the latest version of the secret at path.
func (b *AzureKeyVaultBackend) Fetch(ctx context.Context, path string) (backend.SecretValue, error) {
	resp, err := b.client.GetSecret(ctx, b.secretName(path), "", nil)
	if err != nil {
		return backend.SecretValue{}, b.mapError(err, path)
	}
	if resp.Value == nil {
		return backend.SecretValue{}, backend.NewError(backend.KindInternal, b.name, path,
			errors.New("secret has no value"))
	}

	value := backend.SecretValue{
		Fields:  decodeFields(*resp.Value),
		Backend: b.name,
	}
	if resp.Attributes != nil {
		value.Version = versionFromTime(resp.Attributes.Updated)
		if resp.Attributes.Expires != nil {
			expiry := *resp.Attributes.Expires
			value.LeaseExpiry = &expiry
		}
	}
	return value, nil
}

// Store writes fields as a new secret version.
func (b *AzureKeyVaultBackend) Store(ctx context.Context, path string, fields map[string]string) (int64, error) {
	payload, err := encodeFields(fields)
	if err != nil {
		return 0, backend.NewError(backend.KindInternal, b.name, path, err)
	}

	resp, err := b.client.SetSecret(ctx, b.secretName(path), azsecrets.SetSecretParameters{
		Value: to.Ptr(payload),
	}, nil)
	if err != nil {
		return 0, b.mapError(err, path)
	}
	if resp.Attributes != nil {
		return versionFromTime(resp.Attributes.Updated), nil
	}
	return time.Now().Unix(), nil
}

// Rotate generates fresh values for every field and writes them as a new
// version.
func (b *AzureKeyVaultBackend) Rotate(ctx context.Context, path string) (backend.SecretValue, error) {
	current, err := b.Fetch(ctx, path)
	if err != nil {
		return backend.SecretValue{}, err
	}

	rotated, err := rotation.RotateFields(current.Fields)
	if err != nil {
		return backend.SecretValue{}, backend.NewError(backend.KindInternal, b.name, path, err)
	}

	version, err := b.Store(ctx, path, rotated)
	if err != nil {
		return backend.SecretValue{}, err
	}

	return backend.SecretValue{
		Fields:  rotated,
		Version: version,
		Backend: b.name,
	}, nil
}

// Delete removes the secret. Soft-delete vaults keep it recoverable until
// the retention period ends.
func (b *AzureKeyVaultBackend) Delete(ctx context.Context, path string) error {
	_, err := b.client.DeleteSecret(ctx, b.secretName(path), nil)
	if err != nil {
		return b.mapError(err, path)
	}
	return nil
}

// Validate probes the vault by fetching a well-known missing secret; a
// NotFound proves credentials and connectivity work.
func (b *AzureKeyVaultBackend) Validate(ctx context.Context) error {
	_, err := b.client.GetSecret(ctx, "secretbroker-validate-probe", "", nil)
	if err != nil && !backend.IsNotFound(b.mapError(err, "")) {
		return b.mapError(err, "")
	}
	return nil
}

// Capabilities reports what the Key Vault adapter supports.
func (b *AzureKeyVaultBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		SupportsVersioning: true,
		SupportsRotation:   true,
		SupportsLeases:     true,
		AuthMethods:        []string{"managed-identity", "service-principal", "default-credential"},
	}
}

// Close releases nothing; the SDK client holds no persistent connections.
func (b *AzureKeyVaultBackend) Close() error {
	return nil
}

// mapError converts Key Vault HTTP errors into the shared taxonomy.
func (b *AzureKeyVaultBackend) mapError(err error, path string) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 404:
			return backend.NewError(backend.KindNotFound, b.name, path, err)
		case 401, 403:
			return backend.NewError(backend.KindUnauthorized, b.name, path, err)
		case 409:
			return backend.NewError(backend.KindConflict, b.name, path, err)
		case 429:
			return backend.NewError(backend.KindRateLimited, b.name, path, err)
		}
		if respErr.StatusCode >= 500 {
			return backend.NewError(backend.KindUnavailable, b.name, path, err)
		}
		return backend.NewError(backend.KindInternal, b.name, path, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return backend.NewError(backend.KindUnavailable, b.name, path, err)
	}
	return backend.NewError(backend.KindUnavailable, b.name, path, err)
}
