package fakes

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GCPSecretData holds the versions of a fake GCP secret, keyed by version
// number.
type GCPSecretData struct {
	Versions map[int64][]byte
	Latest   int64
}

// FakeSecretManagerClient is an in-memory stand-in for the GCP Secret
// Manager client. It implements backends.SecretManagerAPI. Secrets are keyed
// by full resource name (projects/X/secrets/Y).
type FakeSecretManagerClient struct {
	mu sync.Mutex

	Secrets map[string]*GCPSecretData
	// Errors maps resource names to errors to return.
	Errors map[string]error

	AccessCalls int
	AddCalls    int
	Closed      bool
}

// NewFakeSecretManagerClient creates an empty fake client.
func NewFakeSecretManagerClient() *FakeSecretManagerClient {
	return &FakeSecretManagerClient{
		Secrets: make(map[string]*GCPSecretData),
		Errors:  make(map[string]error),
	}
}

// AddSecret seeds a secret with a single version.
func (f *FakeSecretManagerClient) AddSecret(projectID, secretID string, payload []byte) {
	name := fmt.Sprintf("projects/%s/secrets/%s", projectID, secretID)
	f.Secrets[name] = &GCPSecretData{
		Versions: map[int64][]byte{1: payload},
		Latest:   1,
	}
}

// AddError configures an error for a specific resource name.
func (f *FakeSecretManagerClient) AddError(name string, err error) {
	f.Errors[name] = err
}

func (f *FakeSecretManagerClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AccessCalls++

	secretName, versionRef, ok := splitVersionName(req.GetName())
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "malformed version name %q", req.GetName())
	}
	if err, exists := f.Errors[secretName]; exists {
		return nil, err
	}

	data, exists := f.Secrets[secretName]
	if !exists {
		return nil, status.Errorf(codes.NotFound, "secret %q not found", secretName)
	}

	version := data.Latest
	if versionRef != "latest" {
		n, err := strconv.ParseInt(versionRef, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "bad version %q", versionRef)
		}
		version = n
	}

	payload, exists := data.Versions[version]
	if !exists {
		return nil, status.Errorf(codes.NotFound, "version %d not found", version)
	}

	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    fmt.Sprintf("%s/versions/%d", secretName, version),
		Payload: &secretmanagerpb.SecretPayload{Data: payload},
	}, nil
}

func (f *FakeSecretManagerClient) AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AddCalls++

	secretName := req.GetParent()
	if err, exists := f.Errors[secretName]; exists {
		return nil, err
	}

	data, exists := f.Secrets[secretName]
	if !exists {
		return nil, status.Errorf(codes.NotFound, "secret %q not found", secretName)
	}

	data.Latest++
	data.Versions[data.Latest] = req.GetPayload().GetData()
	return &secretmanagerpb.SecretVersion{
		Name:  fmt.Sprintf("%s/versions/%d", secretName, data.Latest),
		State: secretmanagerpb.SecretVersion_ENABLED,
	}, nil
}

func (f *FakeSecretManagerClient) CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := fmt.Sprintf("%s/secrets/%s", req.GetParent(), req.GetSecretId())
	if err, exists := f.Errors[name]; exists {
		return nil, err
	}
	if _, exists := f.Secrets[name]; exists {
		return nil, status.Errorf(codes.AlreadyExists, "secret %q already exists", name)
	}

	f.Secrets[name] = &GCPSecretData{Versions: make(map[int64][]byte)}
	return &secretmanagerpb.Secret{Name: name}, nil
}

func (f *FakeSecretManagerClient) GetSecret(ctx context.Context, req *secretmanagerpb.GetSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	if err, exists := f.Errors[name]; exists {
		return nil, err
	}
	if _, exists := f.Secrets[name]; !exists {
		return nil, status.Errorf(codes.NotFound, "secret %q not found", name)
	}
	return &secretmanagerpb.Secret{Name: name}, nil
}

func (f *FakeSecretManagerClient) DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest, opts ...gax.CallOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	if err, exists := f.Errors[name]; exists {
		return err
	}
	if _, exists := f.Secrets[name]; !exists {
		return status.Errorf(codes.NotFound, "secret %q not found", name)
	}
	delete(f.Secrets, name)
	return nil
}

func (f *FakeSecretManagerClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// splitVersionName splits "projects/p/secrets/s/versions/v" into the secret
// name and version reference.
func splitVersionName(name string) (secretName, version string, ok bool) {
	idx := strings.LastIndex(name, "/versions/")
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+len("/versions/"):], true
}
