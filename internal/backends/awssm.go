package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"

	"github.com/systmms/secretbroker/internal/rotation"
	"github.com/systmms/secretbroker/pkg/backend"
)

// SecretsManagerAPI is the subset of the AWS Secrets Manager client the
// adapter uses, defined here so tests can inject a fake.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// AWSSecretsManagerBackend adapts AWS Secrets Manager to the Backend
// contract. Secret values are stored as JSON object strings so the broker's
// field map round-trips.
type AWSSecretsManagerBackend struct {
	name   string
	client SecretsManagerAPI
	region string
}

// AWSOption is a functional option for the AWS adapter.
type AWSOption func(*AWSSecretsManagerBackend)

// WithSecretsManagerClient injects a custom client, used by tests.
func WithSecretsManagerClient(client SecretsManagerAPI) AWSOption {
	return func(b *AWSSecretsManagerBackend) {
		b.client = client
	}
}

// NewAWSSecretsManagerFactory builds the adapter from configuration.
func NewAWSSecretsManagerFactory(name string, config map[string]interface{}) (backend.Backend, error) {
	return NewAWSSecretsManagerBackend(name, config)
}

// NewAWSSecretsManagerBackend creates the adapter. Recognized config keys:
// region, endpoint (LocalStack/testing), access_key_id, secret_access_key.
func NewAWSSecretsManagerBackend(name string, config map[string]interface{}, opts ...AWSOption) (*AWSSecretsManagerBackend, error) {
	region := "us-east-1"
	if r, ok := config["region"].(string); ok && r != "" {
		region = r
	}
	var endpoint string
	if e, ok := config["endpoint"].(string); ok && e != "" {
		endpoint = e
	}
	var accessKeyID, secretAccessKey string
	if ak, ok := config["access_key_id"].(string); ok {
		accessKeyID = ak
	}
	if sk, ok := config["secret_access_key"].(string); ok {
		secretAccessKey = sk
	}

	b := &AWSSecretsManagerBackend{name: name, region: region}
	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		configOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
		if accessKeyID != "" && secretAccessKey != "" {
			configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
			))
		}
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(), configOpts...)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}

		var clientOpts []func(*secretsmanager.Options)
		if endpoint != "" {
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		b.client = secretsmanager.NewFromConfig(cfg, clientOpts...)
	}

	return b, nil
}

// Name returns the configured instance name.
func (b *AWSSecretsManagerBackend) Name() string {
	return b.name
}

// Fetch retrieves the AWSCURRENT version of the secret at path.
func (b *AWSSecretsManagerBackend) Fetch(ctx context.Context, path string) (backend.SecretValue, error) {
	out, err := b.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(path),
	})
	if err != nil {
		return backend.SecretValue{}, b.mapError(err, path)
	}

	var raw string
	switch {
	case out.SecretString != nil:
		raw = *out.SecretString
	case out.SecretBinary != nil:
		raw = string(out.SecretBinary)
	default:
		return backend.SecretValue{}, backend.NewError(backend.KindInternal, b.name, path,
			errors.New("secret has no value"))
	}

	return backend.SecretValue{
		Fields:  decodeFields(raw),
		Version: versionFromTime(out.CreatedDate),
		Backend: b.name,
	}, nil
}

// Store writes fields as a new secret version, creating the secret on first
// write.
func (b *AWSSecretsManagerBackend) Store(ctx context.Context, path string, fields map[string]string) (int64, error) {
	payload, err := encodeFields(fields)
	if err != nil {
		return 0, backend.NewError(backend.KindInternal, b.name, path, err)
	}

	_, err = b.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(path),
		SecretString: aws.String(payload),
	})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			_, cerr := b.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
				Name:         aws.String(path),
				SecretString: aws.String(payload),
			})
			if cerr != nil {
				return 0, b.mapError(cerr, path)
			}
			return time.Now().Unix(), nil
		}
		return 0, b.mapError(err, path)
	}
	return time.Now().Unix(), nil
}

// Rotate generates fresh values for every field and writes them as a new
// version. AWS-managed rotation lambdas are out of scope; rotation happens
// broker-side the same way for every backend.
func (b *AWSSecretsManagerBackend) Rotate(ctx context.Context, path string) (backend.SecretValue, error) {
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

// Delete schedules the secret for deletion without a recovery window.
func (b *AWSSecretsManagerBackend) Delete(ctx context.Context, path string) error {
	_, err := b.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(path),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil {
		return b.mapError(err, path)
	}
	return nil
}

// Validate lists one secret to verify credentials and connectivity.
func (b *AWSSecretsManagerBackend) Validate(ctx context.Context) error {
	_, err := b.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{
		MaxResults: aws.Int32(1),
	})
	if err != nil {
		return b.mapError(err, "")
	}
	return nil
}

// Capabilities reports what the AWS adapter supports.
func (b *AWSSecretsManagerBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		SupportsVersioning: true,
		SupportsRotation:   true,
		SupportsLeases:     false,
		AuthMethods:        []string{"aws-credentials", "iam-role", "environment"},
	}
}

// Close releases nothing; the SDK client holds no persistent connections.
func (b *AWSSecretsManagerBackend) Close() error {
	return nil
}

// mapError converts SDK errors into the shared taxonomy.
func (b *AWSSecretsManagerBackend) mapError(err error, path string) error {
	var nf *types.ResourceNotFoundException
	if errors.As(err, &nf) {
		return backend.NewError(backend.KindNotFound, b.name, path, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "LimitExceededException":
			return backend.NewError(backend.KindRateLimited, b.name, path, err)
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException",
			"InvalidSignatureException", "UnauthorizedOperation":
			return backend.NewError(backend.KindUnauthorized, b.name, path, err)
		case "InternalServiceError", "ServiceUnavailableException":
			return backend.NewError(backend.KindUnavailable, b.name, path, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return backend.NewError(backend.KindUnavailable, b.name, path, err)
	}
	return backend.NewError(backend.KindUnavailable, b.name, path, err)
}

// decodeFields parses a JSON object secret string into a field map. Secrets
// that are not JSON objects become a single "value" field.
func decodeFields(raw string) map[string]string {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return map[string]string{"value": raw}
	}
	fields := make(map[string]string, len(obj))
	for k, v := range obj {
		if s, ok := v.(string); ok {
			fields[k] = s
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			continue
		}
		fields[k] = string(encoded)
	}
	return fields
}

func encodeFields(fields map[string]string) (string, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode secret fields: %w", err)
	}
	return string(payload), nil
}

// versionFromTime derives a monotonic version number from the version's
// creation time; AWS version IDs are UUIDs with no ordering.
func versionFromTime(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}
