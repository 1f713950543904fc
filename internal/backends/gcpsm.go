package backends

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/systmms/secretbroker/internal/rotation"
	"github.com/systmms/secretbroker/pkg/backend"
)

// SecretManagerAPI is the subset of the GCP Secret Manager client the
// adapter uses, defined here so tests can inject a fake.
type SecretManagerAPI interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	GetSecret(ctx context.Context, req *secretmanagerpb.GetSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest, opts ...gax.CallOption) error
	Close() error
}

// GCPSecretManagerBackend adapts GCP Secret Manager to the Backend contract.
// Payloads are JSON object strings so the broker's field map round-trips.
type GCPSecretManagerBackend struct {
	name    string
	client  SecretManagerAPI
	project string
}

// GCPOption is a functional option for the GCP adapter.
type GCPOption func(*GCPSecretManagerBackend)

// WithSecretManagerClient injects a custom client, used by tests.
func WithSecretManagerClient(client SecretManagerAPI) GCPOption {
	return func(b *GCPSecretManagerBackend) {
		b.client = client
	}
}

// NewGCPSecretManagerFactory builds the adapter from configuration.
func NewGCPSecretManagerFactory(name string, config map[string]interface{}) (backend.Backend, error) {
	return NewGCPSecretManagerBackend(name, config)
}

// NewGCPSecretManagerBackend creates the adapter. Recognized config keys:
// project (required), credentials_file.
func NewGCPSecretManagerBackend(name string, config map[string]interface{}, opts ...GCPOption) (*GCPSecretManagerBackend, error) {
	project, _ := config["project"].(string)

	b := &GCPSecretManagerBackend{name: name, project: project}
	for _, opt := range opts {
		opt(b)
	}

	if b.project == "" {
		return nil, fmt.Errorf("GCP backend %q requires a project", name)
	}

	if b.client == nil {
		var clientOpts []option.ClientOption
		if creds, ok := config["credentials_file"].(string); ok && creds != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(creds))
		}
		client, err := secretmanager.NewClient(context.Background(), clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("create GCP Secret Manager client: %w", err)
		}
		b.client = client
	}

	return b, nil
}

// Name returns the configured instance name.
func (b *GCPSecretManagerBackend) Name() string {
	return b.name
}

// secretID maps a broker path onto a GCP secret ID. GCP secret IDs cannot
// contain slashes.
func (b *GCPSecretManagerBackend) secretID(path string) string {
	return strings.ReplaceAll(path, "/", "-")
}

func (b *GCPSecretManagerBackend) secretName(path string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", b.project, b.secretID(path))
}

// Fetch retrieves the latest version of the secret at path.
func (b *GCPSecretManagerBackend) Fetch(ctx context.Context, path string) (backend.SecretValue, error) {
	resp, err := b.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: b.secretName(path) + "/versions/latest",
	})
	if err != nil {
		return backend.SecretValue{}, b.mapError(err, path)
	}

	return backend.SecretValue{
		Fields:  decodeFields(string(resp.GetPayload().GetData())),
		Version: versionFromName(resp.GetName()),
		Backend: b.name,
	}, nil
}

// Store writes fields as a new secret version, creating the secret on first
// write.
func (b *GCPSecretManagerBackend) Store(ctx context.Context, path string, fields map[string]string) (int64, error) {
	payload, err := encodeFields(fields)
	if err != nil {
		return 0, backend.NewError(backend.KindInternal, b.name, path, err)
	}

	version, err := b.addVersion(ctx, path, payload)
	if err == nil {
		return version, nil
	}
	if !backend.IsNotFound(err) {
		return 0, err
	}

	_, cerr := b.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   fmt.Sprintf("projects/%s", b.project),
		SecretId: b.secretID(path),
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	if cerr != nil && status.Code(cerr) != codes.AlreadyExists {
		return 0, b.mapError(cerr, path)
	}
	return b.addVersion(ctx, path, payload)
}

func (b *GCPSecretManagerBackend) addVersion(ctx context.Context, path, payload string) (int64, error) {
	version, err := b.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  b.secretName(path),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(payload)},
	})
	if err != nil {
		return 0, b.mapError(err, path)
	}
	return versionFromName(version.GetName()), nil
}

// Rotate generates fresh values for every field and writes them as a new
// version.
func (b *GCPSecretManagerBackend) Rotate(ctx context.Context, path string) (backend.SecretValue, error) {
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

// Delete removes the secret and all its versions.
func (b *GCPSecretManagerBackend) Delete(ctx context.Context, path string) error {
	err := b.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{
		Name: b.secretName(path),
	})
	if err != nil {
		return b.mapError(err, path)
	}
	return nil
}

// Validate probes the project by fetching a well-known missing secret; a
// NotFound proves credentials and connectivity work.
func (b *GCPSecretManagerBackend) Validate(ctx context.Context) error {
	_, err := b.client.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{
		Name: fmt.Sprintf("projects/%s/secrets/secretbroker-validate-probe", b.project),
	})
	if err != nil && status.Code(err) != codes.NotFound {
		return b.mapError(err, "")
	}
	return nil
}

// Capabilities reports what the GCP adapter supports.
func (b *GCPSecretManagerBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		SupportsVersioning: true,
		SupportsRotation:   true,
		SupportsLeases:     false,
		AuthMethods:        []string{"service-account", "application-default"},
	}
}

// Close shuts down the underlying gRPC client.
func (b *GCPSecretManagerBackend) Close() error {
	return b.client.Close()
}

// mapError converts gRPC status codes into the shared taxonomy.
func (b *GCPSecretManagerBackend) mapError(err error, path string) error {
	switch status.Code(err) {
	case codes.NotFound:
		return backend.NewError(backend.KindNotFound, b.name, path, err)
	case codes.PermissionDenied, codes.Unauthenticated:
		return backend.NewError(backend.KindUnauthorized, b.name, path, err)
	case codes.ResourceExhausted:
		return backend.NewError(backend.KindRateLimited, b.name, path, err)
	case codes.AlreadyExists, codes.Aborted, codes.FailedPrecondition:
		return backend.NewError(backend.KindConflict, b.name, path, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return backend.NewError(backend.KindUnavailable, b.name, path, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return backend.NewError(backend.KindUnavailable, b.name, path, err)
	}
	return backend.NewError(backend.KindInternal, b.name, path, err)
}

// versionFromName extracts the numeric version from a resource name like
// "projects/p/secrets/s/versions/12".
func versionFromName(name string) int64 {
	idx := strings.LastIndex(name, "/")
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseInt(name[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
