package fakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// AzureSecretData holds the data for a fake Key Vault secret.
type AzureSecretData struct {
	Value   string
	Updated time.Time
	Expires *time.Time
}

// FakeAzureKeyVaultClient is an in-memory stand-in for the azsecrets client.
// It implements backends.AzureKeyVaultAPI.
type FakeAzureKeyVaultClient struct {
	mu sync.Mutex

	// Secrets maps secret names to their current version.
	Secrets map[string]*AzureSecretData
	// Errors maps secret names to errors to return.
	Errors map[string]error

	GetCalls    int
	SetCalls    int
	DeleteCalls int
}

// NewFakeAzureKeyVaultClient creates an empty fake client.
func NewFakeAzureKeyVaultClient() *FakeAzureKeyVaultClient {
	return &FakeAzureKeyVaultClient{
		Secrets: make(map[string]*AzureSecretData),
		Errors:  make(map[string]error),
	}
}

// AddSecret seeds a secret value.
func (f *FakeAzureKeyVaultClient) AddSecret(name, value string) {
	f.Secrets[name] = &AzureSecretData{
		Value:   value,
		Updated: time.Now(),
	}
}

// AddError configures an error for a specific secret name.
func (f *FakeAzureKeyVaultClient) AddError(name string, err error) {
	f.Errors[name] = err
}

// NotFoundError builds the 404 ResponseError the real client returns.
func NotFoundError() *azcore.ResponseError {
	return &azcore.ResponseError{
		StatusCode: 404,
		ErrorCode:  "SecretNotFound",
	}
}

// ForbiddenError builds the 403 ResponseError the real client returns.
func ForbiddenError() *azcore.ResponseError {
	return &azcore.ResponseError{
		StatusCode: 403,
		ErrorCode:  "Forbidden",
	}
}

func (f *FakeAzureKeyVaultClient) GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetCalls++

	if err, exists := f.Errors[name]; exists {
		return azsecrets.GetSecretResponse{}, err
	}

	data, exists := f.Secrets[name]
	if !exists {
		return azsecrets.GetSecretResponse{}, NotFoundError()
	}

	return azsecrets.GetSecretResponse{
		Secret: azsecrets.Secret{
			ID:    (*azsecrets.ID)(to.Ptr(fmt.Sprintf("https://test-vault.vault.azure.net/secrets/%s/abc123", name))),
			Value: to.Ptr(data.Value),
			Attributes: &azsecrets.SecretAttributes{
				Updated: to.Ptr(data.Updated),
				Expires: data.Expires,
			},
		},
	}, nil
}

func (f *FakeAzureKeyVaultClient) SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetCalls++

	if err, exists := f.Errors[name]; exists {
		return azsecrets.SetSecretResponse{}, err
	}

	var value string
	if parameters.Value != nil {
		value = *parameters.Value
	}
	now := time.Now()
	f.Secrets[name] = &AzureSecretData{Value: value, Updated: now}

	return azsecrets.SetSecretResponse{
		Secret: azsecrets.Secret{
			ID:    (*azsecrets.ID)(to.Ptr(fmt.Sprintf("https://test-vault.vault.azure.net/secrets/%s/def456", name))),
			Value: to.Ptr(value),
			Attributes: &azsecrets.SecretAttributes{
				Updated: to.Ptr(now),
			},
		},
	}, nil
}

func (f *FakeAzureKeyVaultClient) DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls++

	if err, exists := f.Errors[name]; exists {
		return azsecrets.DeleteSecretResponse{}, err
	}
	if _, exists := f.Secrets[name]; !exists {
		return azsecrets.DeleteSecretResponse{}, NotFoundError()
	}

	delete(f.Secrets, name)
	return azsecrets.DeleteSecretResponse{}, nil
}
