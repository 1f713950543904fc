package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/secretbroker/internal/audit"
	"github.com/systmms/secretbroker/internal/broker"
	"github.com/systmms/secretbroker/internal/cache"
	"github.com/systmms/secretbroker/internal/logging"
	"github.com/systmms/secretbroker/internal/metrics"
	"github.com/systmms/secretbroker/internal/policy"
	"github.com/systmms/secretbroker/pkg/backend"
	"github.com/systmms/secretbroker/tests/fakes"
)

// capturingSink collects audit events for assertions.
type capturingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *capturingSink) Record(ctx context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *capturingSink) Close() error { return nil }

func (s *capturingSink) Events() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Event, len(s.events))
	copy(out, s.events)
	return out
}

type harness struct {
	broker  *broker.Broker
	backend *fakes.FakeBackend
	sink    *capturingSink
}

func newHarness(t *testing.T, rules []policy.Rule) *harness {
	t.Helper()

	fake := fakes.NewFakeBackend("fake-prod")
	gate, err := policy.NewGate(rules)
	require.NoError(t, err)

	sink := &capturingSink{}
	recorder := audit.NewRecorder(sink, logging.New(false, true))

	b, err := broker.New(broker.Options{
		Backends: map[string]backend.Backend{"fake-prod": fake},
		Cache:    cache.New(time.Minute),
		Gate:     gate,
		Recorder: recorder,
		Logger:   logging.New(false, true),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return &harness{broker: b, backend: fake, sink: sink}
}

func allowAll() []policy.Rule {
	return []policy.Rule{{
		Prefix:       "secret",
		Capabilities: []policy.Capability{policy.CapabilityRead, policy.CapabilityWrite, policy.CapabilityRotate},
	}}
}

func waitForEvents(t *testing.T, sink *capturingSink, n int) []audit.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sink.Events()) == n
	}, 2*time.Second, 5*time.Millisecond)
	return sink.Events()
}

func TestGetReturnsSecretAndAudits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())
	h.backend.Seed("secret/db/main", map[string]string{"password": "hunter2"})

	value, err := h.broker.Get(context.Background(), "billing-svc", "secret/db/main")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value.Fields["password"])

	events := waitForEvents(t, h.sink, 1)
	assert.Equal(t, "billing-svc", events[0].Caller)
	assert.Equal(t, "secret/db/main", events[0].Path)
	assert.Equal(t, policy.CapabilityRead, events[0].Capability)
	assert.Equal(t, audit.OutcomeGranted, events[0].Outcome)
	assert.Equal(t, "fake-prod", events[0].Backend)
	assert.Empty(t, events[0].ErrorKind)
	assert.False(t, events[0].CacheHit)
	assert.False(t, events[0].Time.IsZero())
}

func TestGetCacheHitSkipsBackend(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())
	h.backend.Seed("secret/db/main", map[string]string{"password": "hunter2"})

	for i := 0; i < 5; i++ {
		_, err := h.broker.Get(context.Background(), "billing-svc", "secret/db/main")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, h.backend.FetchCalls)

	// Every access is audited, hits included.
	events := waitForEvents(t, h.sink, 5)
	assert.False(t, events[0].CacheHit)
	for _, e := range events[1:] {
		assert.True(t, e.CacheHit)
	}
}

func TestDenialNeverTouchesBackend(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []policy.Rule{{
		Prefix:       "secret/billing",
		Capabilities: []policy.Capability{policy.CapabilityRead},
	}})

	_, err := h.broker.Get(context.Background(), "rogue-svc", "secret/db/main")
	require.Error(t, err)
	assert.True(t, backend.IsUnauthorized(err))
	assert.Zero(t, h.backend.FetchCalls)

	events := waitForEvents(t, h.sink, 1)
	assert.Equal(t, audit.OutcomeDenied, events[0].Outcome)
	assert.NotEmpty(t, events[0].Reason)
}

func TestDenialCapabilityNotGranted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []policy.Rule{{
		Prefix:       "secret",
		Capabilities: []policy.Capability{policy.CapabilityRead},
	}})
	h.backend.Seed("secret/db/main", map[string]string{"password": "x"})

	_, err := h.broker.Rotate(context.Background(), "billing-svc", "secret/db/main")
	require.Error(t, err)
	assert.True(t, backend.IsUnauthorized(err))
	assert.Zero(t, h.backend.RotateCalls)
}

func TestGetRetriesOnceOnUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())

	calls := 0
	h.backend.FetchFunc = func(ctx context.Context, path string) (backend.SecretValue, error) {
		calls++
		if calls == 1 {
			return backend.SecretValue{}, backend.NewError(backend.KindUnavailable, "fake-prod", path,
				errors.New("connection refused"))
		}
		return backend.SecretValue{
			Fields:  map[string]string{"password": "recovered"},
			Version: 1,
			Backend: "fake-prod",
		}, nil
	}

	value, err := h.broker.Get(context.Background(), "billing-svc", "secret/db/main")
	require.NoError(t, err)
	assert.Equal(t, "recovered", value.Fields["password"])
	assert.Equal(t, 2, calls)
}

func TestGetDoesNotRetryNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())

	_, err := h.broker.Get(context.Background(), "billing-svc", "secret/missing")
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err))
	assert.Equal(t, 1, h.backend.FetchCalls)

	events := waitForEvents(t, h.sink, 1)
	assert.Equal(t, audit.OutcomeGranted, events[0].Outcome)
	assert.Equal(t, "not_found", events[0].ErrorKind)
}

func TestGetErrorNotCached(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())

	_, err := h.broker.Get(context.Background(), "billing-svc", "secret/db/main")
	require.Error(t, err)

	h.backend.Seed("secret/db/main", map[string]string{"password": "now-present"})

	value, err := h.broker.Get(context.Background(), "billing-svc", "secret/db/main")
	require.NoError(t, err)
	assert.Equal(t, "now-present", value.Fields["password"])
}

func TestPutInvalidatesCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())
	h.backend.Seed("secret/db/main", map[string]string{"password": "old"})

	_, err := h.broker.Get(context.Background(), "billing-svc", "secret/db/main")
	require.NoError(t, err)

	version, err := h.broker.Put(context.Background(), "billing-svc", "secret/db/main",
		map[string]string{"password": "new"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	value, err := h.broker.Get(context.Background(), "billing-svc", "secret/db/main")
	require.NoError(t, err)
	assert.Equal(t, "new", value.Fields["password"])
	assert.Equal(t, 2, h.backend.FetchCalls)
}

func TestPutNeverRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())

	calls := 0
	h.backend.StoreFunc = func(ctx context.Context, path string, fields map[string]string) (int64, error) {
		calls++
		return 0, backend.NewError(backend.KindUnavailable, "fake-prod", path, errors.New("down"))
	}

	_, err := h.broker.Put(context.Background(), "billing-svc", "secret/db/main",
		map[string]string{"password": "new"})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRotateInvalidatesCacheOnSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())
	h.backend.Seed("secret/db/main", map[string]string{"password": "old"})

	_, err := h.broker.Get(context.Background(), "billing-svc", "secret/db/main")
	require.NoError(t, err)

	rotated, err := h.broker.Rotate(context.Background(), "rotator", "secret/db/main")
	require.NoError(t, err)
	assert.Equal(t, "rotated-password", rotated.Fields["password"])

	value, err := h.broker.Get(context.Background(), "billing-svc", "secret/db/main")
	require.NoError(t, err)
	assert.Equal(t, "rotated-password", value.Fields["password"])
}

func TestRotateFailureKeepsCachedValue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())
	h.backend.Seed("secret/db/main", map[string]string{"password": "stable"})

	_, err := h.broker.Get(context.Background(), "billing-svc", "secret/db/main")
	require.NoError(t, err)

	h.backend.RotateFunc = func(ctx context.Context, path string) (backend.SecretValue, error) {
		return backend.SecretValue{}, backend.NewError(backend.KindUnavailable, "fake-prod", path,
			errors.New("rotation backend down"))
	}

	_, err = h.broker.Rotate(context.Background(), "rotator", "secret/db/main")
	require.Error(t, err)

	// The old value still serves from cache; no extra backend fetch.
	value, err := h.broker.Get(context.Background(), "billing-svc", "secret/db/main")
	require.NoError(t, err)
	assert.Equal(t, "stable", value.Fields["password"])
	assert.Equal(t, 1, h.backend.FetchCalls)
}

func TestExactlyOneAuditEventPerOperation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())
	h.backend.Seed("secret/db/main", map[string]string{"password": "x"})

	_, _ = h.broker.Get(context.Background(), "a", "secret/db/main")
	_, _ = h.broker.Put(context.Background(), "a", "secret/db/main", map[string]string{"password": "y"})
	_, _ = h.broker.Rotate(context.Background(), "a", "secret/db/main")
	_, _ = h.broker.Get(context.Background(), "nobody", "other/path")

	events := waitForEvents(t, h.sink, 4)
	capabilities := []policy.Capability{
		events[0].Capability, events[1].Capability, events[2].Capability, events[3].Capability,
	}
	assert.Equal(t, []policy.Capability{
		policy.CapabilityRead, policy.CapabilityWrite, policy.CapabilityRotate, policy.CapabilityRead,
	}, capabilities)
	assert.Equal(t, audit.OutcomeDenied, events[3].Outcome)
}

func TestGetFromUnknownBackend(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allowAll())

	_, err := h.broker.GetFrom(context.Background(), "a", "nope", "secret/db/main")
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err))
}

func TestNewRequiresDefaultWithMultipleBackends(t *testing.T) {
	t.Parallel()

	gate, err := policy.NewGate(allowAll())
	require.NoError(t, err)
	recorder := audit.NewRecorder(&capturingSink{}, logging.New(false, true))

	_, err = broker.New(broker.Options{
		Backends: map[string]backend.Backend{
			"a": fakes.NewFakeBackend("a"),
			"b": fakes.NewFakeBackend("b"),
		},
		Cache:    cache.New(time.Minute),
		Gate:     gate,
		Recorder: recorder,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default backend")
}

func TestPolicyDecisionsAreCounted(t *testing.T) {
	metrics.Init()

	h := newHarness(t, []policy.Rule{{
		Prefix:       "secret/db",
		Capabilities: []policy.Capability{policy.CapabilityRead},
	}})
	h.backend.Seed("secret/db/main", map[string]string{"password": "hunter2"})

	grantedBefore := decisionCount(t, "read", "granted")
	deniedBefore := decisionCount(t, "rotate", "denied")

	_, err := h.broker.Get(context.Background(), "billing-svc", "secret/db/main")
	require.NoError(t, err)
	_, err = h.broker.Rotate(context.Background(), "billing-svc", "secret/db/main")
	require.Error(t, err)

	assert.GreaterOrEqual(t, decisionCount(t, "read", "granted"), grantedBefore+1)
	assert.GreaterOrEqual(t, decisionCount(t, "rotate", "denied"), deniedBefore+1)
}

// decisionCount reads one series of the policy decision counter from the
// default registry.
func decisionCount(t *testing.T, capability, outcome string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "secretbroker_policy_decisions_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, label := range m.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}
			if labels["capability"] == capability && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
