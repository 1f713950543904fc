package vault_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/secretbroker/internal/backends/vault"
	"github.com/systmms/secretbroker/pkg/backend"
)

// fakeVaultServer simulates the subset of the Vault KV v2 HTTP API the
// backend talks to.
type fakeVaultServer struct {
	t *testing.T

	secrets  map[string]map[string]interface{}
	versions map[string]int64

	failStatus int
	failBody   string
}

func newFakeVaultServer(t *testing.T) *fakeVaultServer {
	return &fakeVaultServer{
		t:        t,
		secrets:  make(map[string]map[string]interface{}),
		versions: make(map[string]int64),
	}
}

func (s *fakeVaultServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/auth/token/lookup-self", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{}}`))
	})

	mux.HandleFunc("/v1/sys/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/v1/secret/data/", func(w http.ResponseWriter, r *http.Request) {
		if s.failStatus != 0 {
			w.WriteHeader(s.failStatus)
			_, _ = w.Write([]byte(s.failBody))
			return
		}
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}

		path := r.URL.Path[len("/v1/secret/data/"):]
		switch r.Method {
		case http.MethodGet:
			data, exists := s.secrets[path]
			if !exists {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"errors":[]}`))
				return
			}
			resp := map[string]interface{}{
				"lease_duration": 0,
				"data": map[string]interface{}{
					"data":     data,
					"metadata": map[string]interface{}{"version": s.versions[path]},
				},
			}
			_ = json.NewEncoder(w).Encode(resp)
		case http.MethodPost:
			var body struct {
				Data    map[string]interface{} `json:"data"`
				Options struct {
					CAS *int64 `json:"cas"`
				} `json:"options"`
			}
			require.NoError(s.t, json.NewDecoder(r.Body).Decode(&body))

			if body.Options.CAS != nil && *body.Options.CAS != s.versions[path] {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"errors":["check-and-set parameter did not match the current version"]}`))
				return
			}

			s.secrets[path] = body.Data
			s.versions[path]++
			resp := map[string]interface{}{
				"data": map[string]interface{}{"version": s.versions[path]},
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/secret/metadata/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path[len("/v1/secret/metadata/"):]
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if _, exists := s.secrets[path]; !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(s.secrets, path)
		delete(s.versions, path)
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func newVaultBackend(t *testing.T, addr string) backend.Backend {
	t.Helper()
	b, err := vault.NewBackend("vault-test", map[string]interface{}{
		"address": addr,
		"token":   "test-token",
	})
	require.NoError(t, err)
	return b
}

func TestVaultBackendFetch(t *testing.T) {
	server := newFakeVaultServer(t)
	server.secrets["db/main"] = map[string]interface{}{"username": "app", "password": "hunter2"}
	server.versions["db/main"] = 3

	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	b := newVaultBackend(t, ts.URL)
	value, err := b.Fetch(context.Background(), "db/main")
	require.NoError(t, err)

	assert.Equal(t, "app", value.Fields["username"])
	assert.Equal(t, "hunter2", value.Fields["password"])
	assert.Equal(t, int64(3), value.Version)
	assert.Equal(t, "vault-test", value.Backend)
	assert.Nil(t, value.LeaseExpiry)
}

func TestVaultBackendFetchNotFound(t *testing.T) {
	ts := httptest.NewServer(newFakeVaultServer(t).handler())
	defer ts.Close()

	b := newVaultBackend(t, ts.URL)
	_, err := b.Fetch(context.Background(), "missing/secret")
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err))
}

func TestVaultBackendErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		failStatus int
		failBody   string
		want       backend.Kind
	}{
		{name: "forbidden", failStatus: 403, want: backend.KindUnauthorized},
		{name: "rate_limited", failStatus: 429, want: backend.KindRateLimited},
		{name: "server_error", failStatus: 502, want: backend.KindUnavailable},
		{name: "cas_conflict", failStatus: 400,
			failBody: `{"errors":["check-and-set parameter did not match the current version"]}`,
			want:     backend.KindConflict},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			server := newFakeVaultServer(t)
			server.failStatus = tt.failStatus
			server.failBody = tt.failBody

			ts := httptest.NewServer(server.handler())
			defer ts.Close()

			b := newVaultBackend(t, ts.URL)
			_, err := b.Fetch(context.Background(), "db/main")
			require.Error(t, err)
			assert.Equal(t, tt.want, backend.KindOf(err))
		})
	}
}

func TestVaultBackendStore(t *testing.T) {
	server := newFakeVaultServer(t)
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	b := newVaultBackend(t, ts.URL)
	version, err := b.Store(context.Background(), "new/secret", map[string]string{"token": "abc"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), version)
	assert.Equal(t, "abc", server.secrets["new/secret"]["token"])
}

func TestVaultBackendRotate(t *testing.T) {
	server := newFakeVaultServer(t)
	server.secrets["db/main"] = map[string]interface{}{"password": "old-password"}
	server.versions["db/main"] = 1

	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	b := newVaultBackend(t, ts.URL)
	rotated, err := b.Rotate(context.Background(), "db/main")
	require.NoError(t, err)

	assert.Equal(t, int64(2), rotated.Version)
	assert.NotEqual(t, "old-password", rotated.Fields["password"])
	assert.Equal(t, rotated.Fields["password"], server.secrets["db/main"]["password"])
}

func TestVaultBackendDelete(t *testing.T) {
	server := newFakeVaultServer(t)
	server.secrets["tmp/secret"] = map[string]interface{}{"value": "x"}
	server.versions["tmp/secret"] = 1

	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	b := newVaultBackend(t, ts.URL)
	require.NoError(t, b.Delete(context.Background(), "tmp/secret"))
	assert.NotContains(t, server.secrets, "tmp/secret")
}

func TestVaultBackendUnreachable(t *testing.T) {
	b := newVaultBackend(t, "http://127.0.0.1:1")

	_, err := b.Fetch(context.Background(), "db/main")
	require.Error(t, err)
	assert.True(t, backend.IsUnavailable(err))
}

func TestVaultBackendValidateConfig(t *testing.T) {
	b, err := vault.NewBackend("vault-test", map[string]interface{}{
		"address":     "http://127.0.0.1:8200",
		"auth_method": "userpass",
	})
	require.NoError(t, err)

	err = b.Validate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "userpass_username")
}
