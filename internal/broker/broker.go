// Package broker implements the request pipeline in front of the backend
// adapters: authorize, consult the lease cache, call the backend, and emit
// exactly one audit event per operation.
package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/systmms/secretbroker/internal/audit"
	"github.com/systmms/secretbroker/internal/cache"
	"github.com/systmms/secretbroker/internal/logging"
	"github.com/systmms/secretbroker/internal/metrics"
	"github.com/systmms/secretbroker/internal/policy"
	"github.com/systmms/secretbroker/pkg/backend"
)

const (
	retryBackoffBase   = 100 * time.Millisecond
	retryBackoffJitter = 100 * time.Millisecond
)

// Options configures a Broker.
type Options struct {
	// Backends maps instance names to adapters. Required, non-empty.
	Backends map[string]backend.Backend
	// Default names the backend used when the caller does not pick one.
	// With a single backend it may be left empty.
	Default string
	// Timeouts holds per-backend call timeouts; zero means no extra
	// deadline beyond the request context.
	Timeouts map[string]time.Duration
	Cache    *cache.Cache
	Gate     *policy.Gate
	Recorder *audit.Recorder
	Logger   *logging.Logger
}

// Broker is the façade consumers talk to. All access is authorized against
// the policy gate, reads flow through the lease cache, and every operation
// leaves one audit event.
type Broker struct {
	backends    map[string]backend.Backend
	defaultName string
	timeouts    map[string]time.Duration
	cache       *cache.Cache
	gate        *policy.Gate
	recorder    *audit.Recorder
	logger      *logging.Logger
}

// New creates a Broker from options.
func New(opts Options) (*Broker, error) {
	if len(opts.Backends) == 0 {
		return nil, errors.New("broker requires at least one backend")
	}
	if opts.Cache == nil {
		return nil, errors.New("broker requires a cache")
	}
	if opts.Gate == nil {
		return nil, errors.New("broker requires a policy gate")
	}
	if opts.Recorder == nil {
		return nil, errors.New("broker requires an audit recorder")
	}

	defaultName := opts.Default
	if defaultName == "" {
		if len(opts.Backends) != 1 {
			return nil, errors.New("broker requires a default backend when more than one is configured")
		}
		for name := range opts.Backends {
			defaultName = name
		}
	}
	if _, ok := opts.Backends[defaultName]; !ok {
		return nil, fmt.Errorf("default backend %q is not configured", defaultName)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.New(false, false)
	}

	return &Broker{
		backends:    opts.Backends,
		defaultName: defaultName,
		timeouts:    opts.Timeouts,
		cache:       opts.Cache,
		gate:        opts.Gate,
		recorder:    opts.Recorder,
		logger:      logger,
	}, nil
}

// Get reads a secret through the lease cache from the default backend.
func (b *Broker) Get(ctx context.Context, caller, path string) (backend.SecretValue, error) {
	return b.GetFrom(ctx, caller, "", path)
}

// GetFrom reads a secret through the lease cache from a named backend. An
// empty backendName selects the default. A transient backend failure
// (unavailable or rate limited) is retried once with jittered backoff.
func (b *Broker) GetFrom(ctx context.Context, caller, backendName, path string) (backend.SecretValue, error) {
	target, err := b.resolve(backendName)
	if err != nil {
		return backend.SecretValue{}, err
	}

	decision := b.authorize(caller, path, policy.CapabilityRead)
	if !decision.Allowed {
		b.record(audit.Event{
			Caller:     caller,
			Path:       path,
			Capability: policy.CapabilityRead,
			Outcome:    audit.OutcomeDenied,
			Backend:    target.Name(),
			Reason:     decision.Reason,
		})
		return backend.SecretValue{}, denied(target.Name(), path, decision.Reason)
	}

	value, hit, err := b.cache.Get(ctx, b.cacheKey(target, path), func(ctx context.Context) (backend.SecretValue, error) {
		return b.fetchWithRetry(ctx, target, path)
	})

	b.record(audit.Event{
		Caller:     caller,
		Path:       path,
		Capability: policy.CapabilityRead,
		Outcome:    audit.OutcomeGranted,
		Backend:    target.Name(),
		ErrorKind:  errorKind(err),
		CacheHit:   hit,
	})
	return value, err
}

// Put writes fields as a new secret version on the default backend.
func (b *Broker) Put(ctx context.Context, caller, path string, fields map[string]string) (int64, error) {
	return b.PutTo(ctx, caller, "", path, fields)
}

// PutTo writes fields as a new secret version on a named backend. Writes are
// never retried; the stale cache entry is dropped on success.
func (b *Broker) PutTo(ctx context.Context, caller, backendName, path string, fields map[string]string) (int64, error) {
	target, err := b.resolve(backendName)
	if err != nil {
		return 0, err
	}

	decision := b.authorize(caller, path, policy.CapabilityWrite)
	if !decision.Allowed {
		b.record(audit.Event{
			Caller:     caller,
			Path:       path,
			Capability: policy.CapabilityWrite,
			Outcome:    audit.OutcomeDenied,
			Backend:    target.Name(),
			Reason:     decision.Reason,
		})
		return 0, denied(target.Name(), path, decision.Reason)
	}

	callCtx, cancel := b.callContext(ctx, target)
	start := time.Now()
	version, err := target.Store(callCtx, path, fields)
	cancel()
	metrics.BackendCall(target.Name(), "store", errorKind(err), time.Since(start).Seconds())

	if err == nil {
		b.cache.Invalidate(b.cacheKey(target, path))
	}

	b.record(audit.Event{
		Caller:     caller,
		Path:       path,
		Capability: policy.CapabilityWrite,
		Outcome:    audit.OutcomeGranted,
		Backend:    target.Name(),
		ErrorKind:  errorKind(err),
	})
	return version, err
}

// Rotate replaces the secret's material with fresh values on the default
// backend.
func (b *Broker) Rotate(ctx context.Context, caller, path string) (backend.SecretValue, error) {
	return b.RotateOn(ctx, caller, "", path)
}

// RotateOn rotates a secret on a named backend. Rotation is never retried.
// On success the cached entry is dropped so the next read sees the new
// material; on failure the cache and the backend's current version stay
// untouched.
func (b *Broker) RotateOn(ctx context.Context, caller, backendName, path string) (backend.SecretValue, error) {
	target, err := b.resolve(backendName)
	if err != nil {
		return backend.SecretValue{}, err
	}

	decision := b.authorize(caller, path, policy.CapabilityRotate)
	if !decision.Allowed {
		b.record(audit.Event{
			Caller:     caller,
			Path:       path,
			Capability: policy.CapabilityRotate,
			Outcome:    audit.OutcomeDenied,
			Backend:    target.Name(),
			Reason:     decision.Reason,
		})
		return backend.SecretValue{}, denied(target.Name(), path, decision.Reason)
	}

	callCtx, cancel := b.callContext(ctx, target)
	start := time.Now()
	value, err := target.Rotate(callCtx, path)
	cancel()
	metrics.BackendCall(target.Name(), "rotate", errorKind(err), time.Since(start).Seconds())

	if err == nil {
		b.cache.Invalidate(b.cacheKey(target, path))
	}

	b.record(audit.Event{
		Caller:     caller,
		Path:       path,
		Capability: policy.CapabilityRotate,
		Outcome:    audit.OutcomeGranted,
		Backend:    target.Name(),
		ErrorKind:  errorKind(err),
	})
	return value, err
}

// Validate checks every configured backend's connectivity and credentials.
func (b *Broker) Validate(ctx context.Context) error {
	var errs []error
	for name, target := range b.backends {
		if err := target.Validate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Backends lists the configured backend names.
func (b *Broker) Backends() []string {
	names := make([]string, 0, len(b.backends))
	for name := range b.backends {
		names = append(names, name)
	}
	return names
}

// Close flushes the audit recorder, purges cached secret material, and
// closes every backend.
func (b *Broker) Close() error {
	var errs []error
	if err := b.recorder.Close(); err != nil {
		errs = append(errs, err)
	}
	b.cache.Purge()
	for name, target := range b.backends {
		if err := target.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// authorize consults the policy gate and counts the decision per capability
// and outcome.
func (b *Broker) authorize(caller, path string, capability policy.Capability) policy.Decision {
	decision := b.gate.Authorize(caller, path, capability)
	outcome := audit.OutcomeGranted
	if !decision.Allowed {
		outcome = audit.OutcomeDenied
	}
	metrics.PolicyDecision(string(capability), string(outcome))
	return decision
}

func (b *Broker) resolve(backendName string) (backend.Backend, error) {
	if backendName == "" {
		backendName = b.defaultName
	}
	target, ok := b.backends[backendName]
	if !ok {
		return nil, backend.NewError(backend.KindNotFound, backendName, "",
			fmt.Errorf("backend %q is not configured", backendName))
	}
	return target, nil
}

func (b *Broker) cacheKey(target backend.Backend, path string) string {
	return target.Name() + "/" + path
}

func (b *Broker) callContext(ctx context.Context, target backend.Backend) (context.Context, context.CancelFunc) {
	timeout := b.timeouts[target.Name()]
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func (b *Broker) fetchWithRetry(ctx context.Context, target backend.Backend, path string) (backend.SecretValue, error) {
	callCtx, cancel := b.callContext(ctx, target)
	start := time.Now()
	value, err := target.Fetch(callCtx, path)
	cancel()
	metrics.BackendCall(target.Name(), "fetch", errorKind(err), time.Since(start).Seconds())

	if err == nil || !backend.Retryable(err) {
		return value, err
	}

	b.logger.Debug("retrying fetch of %s on %s after %s error",
		logging.Secret(path), target.Name(), backend.KindOf(err))

	backoff := retryBackoffBase + rand.N(retryBackoffJitter)
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return backend.SecretValue{}, backend.NewError(backend.KindUnavailable, target.Name(), path, ctx.Err())
	}

	callCtx, cancel = b.callContext(ctx, target)
	start = time.Now()
	value, err = target.Fetch(callCtx, path)
	cancel()
	metrics.BackendCall(target.Name(), "fetch", errorKind(err), time.Since(start).Seconds())
	return value, err
}

func (b *Broker) record(event audit.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	b.recorder.Record(event)
}

// denied converts a policy denial into an Unauthorized taxonomy error.
func denied(backendName, path, reason string) error {
	return backend.NewError(backend.KindUnauthorized, backendName, path, errors.New(reason))
}

func errorKind(err error) string {
	if err == nil {
		return ""
	}
	return backend.KindOf(err).String()
}
