package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/secretbroker/internal/audit"
	"github.com/systmms/secretbroker/internal/broker"
	"github.com/systmms/secretbroker/internal/cache"
	"github.com/systmms/secretbroker/internal/logging"
	"github.com/systmms/secretbroker/internal/policy"
	"github.com/systmms/secretbroker/internal/server"
	"github.com/systmms/secretbroker/pkg/backend"
	"github.com/systmms/secretbroker/tests/fakes"
)

type discardSink struct{}

func (discardSink) Record(ctx context.Context, event audit.Event) error { return nil }
func (discardSink) Close() error                                        { return nil }

type harness struct {
	handler http.Handler
	backend *fakes.FakeBackend
}

func newHarness(t *testing.T, rules []policy.Rule) *harness {
	t.Helper()

	fake := fakes.NewFakeBackend("fake-prod")
	gate, err := policy.NewGate(rules)
	require.NoError(t, err)

	logger := logging.New(false, true)
	recorder := audit.NewRecorder(discardSink{}, logger)

	b, err := broker.New(broker.Options{
		Backends: map[string]backend.Backend{"fake-prod": fake},
		Cache:    cache.New(time.Minute),
		Gate:     gate,
		Recorder: recorder,
		Logger:   logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	srv := server.New(server.DefaultConfig(), b, logger)
	return &harness{handler: srv.Handler(), backend: fake}
}

func allowAll() []policy.Rule {
	return []policy.Rule{{
		Prefix:       "secret",
		Capabilities: []policy.Capability{policy.CapabilityRead, policy.CapabilityWrite, policy.CapabilityRotate},
	}}
}

func (h *harness) do(method, target, caller, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if caller != "" {
		req.Header.Set(server.CallerHeader, caller)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) (message, kind string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error, body.Kind
}

func TestGetReturnsSecret(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())
	h.backend.Seed("secret/db/main", map[string]string{"password": "hunter2"})

	w := h.do(http.MethodGet, "/v1/secret/secret/db/main", "billing-svc", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var value backend.SecretValue
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &value))
	assert.Equal(t, "hunter2", value.Fields["password"])
	assert.Equal(t, int64(1), value.Version)
	assert.Equal(t, "fake-prod", value.Backend)
}

func TestGetMissingCallerHeader(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())
	h.backend.Seed("secret/db/main", map[string]string{"password": "hunter2"})

	w := h.do(http.MethodGet, "/v1/secret/secret/db/main", "", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	message, kind := decodeError(t, w)
	assert.Contains(t, message, server.CallerHeader)
	assert.Equal(t, "bad_request", kind)
	assert.Equal(t, 0, h.backend.FetchCalls)
}

func TestGetDeniedByPolicy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []policy.Rule{{
		Prefix:       "secret/db",
		Capabilities: []policy.Capability{policy.CapabilityRead},
		Callers:      []string{"billing-svc"},
	}})
	h.backend.Seed("secret/db/main", map[string]string{"password": "hunter2"})

	w := h.do(http.MethodGet, "/v1/secret/secret/db/main", "intruder", "")
	require.Equal(t, http.StatusForbidden, w.Code)
	_, kind := decodeError(t, w)
	assert.Equal(t, "unauthorized", kind)
	assert.Equal(t, 0, h.backend.FetchCalls)
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())

	w := h.do(http.MethodGet, "/v1/secret/secret/db/absent", "billing-svc", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	_, kind := decodeError(t, w)
	assert.Equal(t, "not_found", kind)
}

func TestGetStatusPerErrorKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		kind   backend.Kind
		status int
	}{
		{"rate limited", backend.KindRateLimited, http.StatusTooManyRequests},
		{"unavailable", backend.KindUnavailable, http.StatusServiceUnavailable},
		{"internal", backend.KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, allowAll())
			h.backend.FetchFunc = func(ctx context.Context, path string) (backend.SecretValue, error) {
				return backend.SecretValue{}, backend.NewError(tt.kind, "fake-prod", path, errors.New("backend failure"))
			}

			w := h.do(http.MethodGet, "/v1/secret/secret/db/main", "billing-svc", "")
			require.Equal(t, tt.status, w.Code)
			_, kind := decodeError(t, w)
			assert.Equal(t, tt.kind.String(), kind)
		})
	}
}

func TestGetUnknownBackendQuery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())

	w := h.do(http.MethodGet, "/v1/secret/secret/db/main?backend=nope", "billing-svc", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPutWritesFields(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())

	w := h.do(http.MethodPut, "/v1/secret/secret/db/main", "billing-svc",
		`{"fields": {"password": "s3cr3t"}}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Version int64 `json:"version"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Version)
	assert.Equal(t, 1, h.backend.StoreCalls)
}

func TestPutInvalidBody(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())

	w := h.do(http.MethodPut, "/v1/secret/secret/db/main", "billing-svc", `{"fields": `)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, h.backend.StoreCalls)
}

func TestPutEmptyFields(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())

	w := h.do(http.MethodPut, "/v1/secret/secret/db/main", "billing-svc", `{"fields": {}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, h.backend.StoreCalls)
}

func TestPutConflict(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())
	h.backend.StoreFunc = func(ctx context.Context, path string, fields map[string]string) (int64, error) {
		return 0, backend.NewError(backend.KindConflict, "fake-prod", path, errors.New("version race"))
	}

	w := h.do(http.MethodPut, "/v1/secret/secret/db/main", "billing-svc",
		`{"fields": {"password": "s3cr3t"}}`)
	require.Equal(t, http.StatusConflict, w.Code)
	_, kind := decodeError(t, w)
	assert.Equal(t, "conflict", kind)
}

func TestPutDeniedForReadOnlyRule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []policy.Rule{{
		Prefix:       "secret/db",
		Capabilities: []policy.Capability{policy.CapabilityRead},
	}})

	w := h.do(http.MethodPut, "/v1/secret/secret/db/main", "billing-svc",
		`{"fields": {"password": "s3cr3t"}}`)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, h.backend.StoreCalls)
}

func TestRotateReturnsNewValue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())
	h.backend.Seed("secret/db/main", map[string]string{"password": "hunter2"})

	w := h.do(http.MethodPost, "/v1/secret/secret/db/main/rotate", "billing-svc", "")
	require.Equal(t, http.StatusOK, w.Code)

	var value backend.SecretValue
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &value))
	assert.Equal(t, "rotated-password", value.Fields["password"])
	assert.Equal(t, int64(2), value.Version)
}

func TestRotateThenGetReturnsRotatedValue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())
	h.backend.Seed("secret/db/main", map[string]string{"password": "hunter2"})

	w := h.do(http.MethodGet, "/v1/secret/secret/db/main", "billing-svc", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodPost, "/v1/secret/secret/db/main/rotate", "billing-svc", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/v1/secret/secret/db/main", "billing-svc", "")
	require.Equal(t, http.StatusOK, w.Code)

	var value backend.SecretValue
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &value))
	assert.Equal(t, "rotated-password", value.Fields["password"])
}

func TestRotateDeniedForReadOnlyRule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []policy.Rule{{
		Prefix:       "secret/db",
		Capabilities: []policy.Capability{policy.CapabilityRead},
	}})

	w := h.do(http.MethodPost, "/v1/secret/secret/db/main/rotate", "billing-svc", "")
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, h.backend.RotateCalls)
}

func TestPostWritesSecret(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())

	w := h.do(http.MethodPost, "/v1/secret/secret/db/main", "billing-svc",
		`{"fields": {"password": "s3cr3t"}}`)
	require.Equal(t, http.StatusCreated, w.Code, "first write must report creation")

	var resp struct {
		Version int64 `json:"version"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Version)

	w = h.do(http.MethodPost, "/v1/secret/secret/db/main", "billing-svc",
		`{"fields": {"password": "s3cr3t-2"}}`)
	require.Equal(t, http.StatusOK, w.Code, "overwriting an existing secret is not a creation")

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Version)
	assert.Equal(t, 2, h.backend.StoreCalls)
}

func TestPostWriteRequiresBody(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())

	w := h.do(http.MethodPost, "/v1/secret/secret/db/main", "billing-svc", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, h.backend.StoreCalls)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())

	w := h.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())

	w := h.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "secretbroker")
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	srv := server.New(server.DefaultConfig(), nil, logging.New(false, true))
	require.NoError(t, srv.Stop(context.Background()))
}
