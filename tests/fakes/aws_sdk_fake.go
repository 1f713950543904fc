package fakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// AWSSecretData holds the data for a fake Secrets Manager secret.
type AWSSecretData struct {
	SecretString *string
	SecretBinary []byte
	VersionID    *string
	CreatedDate  *time.Time
}

// FakeSecretsManagerClient is an in-memory stand-in for the AWS Secrets
// Manager client. It implements backends.SecretsManagerAPI.
type FakeSecretsManagerClient struct {
	mu sync.Mutex

	// Secrets maps secret names to their current version.
	Secrets map[string]*AWSSecretData
	// Errors maps secret names to errors to return.
	Errors map[string]error
	// ListError is returned from ListSecrets when set.
	ListError error

	// Call counters for assertions.
	GetCalls    int
	PutCalls    int
	CreateCalls int
	DeleteCalls int
}

// NewFakeSecretsManagerClient creates an empty fake client.
func NewFakeSecretsManagerClient() *FakeSecretsManagerClient {
	return &FakeSecretsManagerClient{
		Secrets: make(map[string]*AWSSecretData),
		Errors:  make(map[string]error),
	}
}

// AddSecretString seeds a string secret.
func (f *FakeSecretsManagerClient) AddSecretString(name, value string) {
	now := time.Now()
	f.Secrets[name] = &AWSSecretData{
		SecretString: aws.String(value),
		VersionID:    aws.String("v1-abc123"),
		CreatedDate:  &now,
	}
}

// AddError configures an error for a specific secret name.
func (f *FakeSecretsManagerClient) AddError(name string, err error) {
	f.Errors[name] = err
}

func (f *FakeSecretsManagerClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetCalls++

	name := aws.ToString(params.SecretId)
	if err, exists := f.Errors[name]; exists {
		return nil, err
	}

	data, exists := f.Secrets[name]
	if !exists {
		return nil, &types.ResourceNotFoundException{
			Message: aws.String(fmt.Sprintf("Secrets Manager can't find the specified secret: %s", name)),
		}
	}

	return &secretsmanager.GetSecretValueOutput{
		ARN:          aws.String(fmt.Sprintf("arn:aws:secretsmanager:us-east-1:123456789012:secret:%s", name)),
		Name:         params.SecretId,
		SecretString: data.SecretString,
		SecretBinary: data.SecretBinary,
		VersionId:    data.VersionID,
		CreatedDate:  data.CreatedDate,
	}, nil
}

func (f *FakeSecretsManagerClient) CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++

	name := aws.ToString(params.Name)
	if err, exists := f.Errors[name]; exists {
		return nil, err
	}
	if _, exists := f.Secrets[name]; exists {
		return nil, &types.ResourceExistsException{
			Message: aws.String("A resource with the ID you requested already exists"),
		}
	}

	now := time.Now()
	f.Secrets[name] = &AWSSecretData{
		SecretString: params.SecretString,
		VersionID:    aws.String("v1-created"),
		CreatedDate:  &now,
	}
	return &secretsmanager.CreateSecretOutput{
		Name:      params.Name,
		VersionId: aws.String("v1-created"),
	}, nil
}

func (f *FakeSecretsManagerClient) PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PutCalls++

	name := aws.ToString(params.SecretId)
	if err, exists := f.Errors[name]; exists {
		return nil, err
	}

	data, exists := f.Secrets[name]
	if !exists {
		return nil, &types.ResourceNotFoundException{
			Message: aws.String(fmt.Sprintf("Secrets Manager can't find the specified secret: %s", name)),
		}
	}

	now := time.Now()
	data.SecretString = params.SecretString
	data.VersionID = aws.String(fmt.Sprintf("v%d-put", f.PutCalls))
	data.CreatedDate = &now
	return &secretsmanager.PutSecretValueOutput{
		Name:      params.SecretId,
		VersionId: data.VersionID,
	}, nil
}

func (f *FakeSecretsManagerClient) DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls++

	name := aws.ToString(params.SecretId)
	if err, exists := f.Errors[name]; exists {
		return nil, err
	}
	if _, exists := f.Secrets[name]; !exists {
		return nil, &types.ResourceNotFoundException{
			Message: aws.String(fmt.Sprintf("Secrets Manager can't find the specified secret: %s", name)),
		}
	}

	delete(f.Secrets, name)
	return &secretsmanager.DeleteSecretOutput{Name: params.SecretId}, nil
}

func (f *FakeSecretsManagerClient) ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ListError != nil {
		return nil, f.ListError
	}

	out := &secretsmanager.ListSecretsOutput{}
	for name := range f.Secrets {
		out.SecretList = append(out.SecretList, types.SecretListEntry{
			Name: aws.String(name),
		})
	}
	return out, nil
}
