package commands

import (
	"context"
	"os"
	"os/user"
	"sort"
	"strings"
	"time"

	"github.com/systmms/secretbroker/internal/audit"
	"github.com/systmms/secretbroker/internal/backends"
	"github.com/systmms/secretbroker/internal/broker"
	"github.com/systmms/secretbroker/internal/cache"
	"github.com/systmms/secretbroker/internal/config"
	brokererrors "github.com/systmms/secretbroker/internal/errors"
	"github.com/systmms/secretbroker/internal/policy"
	"github.com/systmms/secretbroker/pkg/backend"
)

// runtime is everything a command needs after the configuration is wired up.
type runtime struct {
	Broker     *broker.Broker
	Gate       *policy.Gate
	Store      *audit.StoreSink
	PolicyFile string
}

// Close shuts the broker down; the broker owns the recorder and sinks.
func (r *runtime) Close() error {
	return r.Broker.Close()
}

// buildRuntime loads the config and assembles backends, policy gate, audit
// pipeline, cache, and broker.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if err := cfg.Load(); err != nil {
		return nil, err
	}

	registry := backends.NewRegistry()
	instances := make(map[string]backend.Backend, len(cfg.Definition.Backends))
	timeouts := make(map[string]time.Duration, len(cfg.Definition.Backends))
	for name, bc := range cfg.Definition.Backends {
		instance, err := registry.Create(name, bc.Type, bc.Config)
		if err != nil {
			closeBackends(instances)
			return nil, err
		}
		instances[name] = instance
		timeouts[name] = bc.Timeout()
	}

	gate, err := policy.LoadFile(cfg.Definition.PolicyFile)
	if err != nil {
		closeBackends(instances)
		return nil, err
	}

	sink, store, err := buildSinks(ctx, cfg)
	if err != nil {
		closeBackends(instances)
		return nil, err
	}

	recorder := audit.NewRecorder(sink, cfg.Logger)

	b, err := broker.New(broker.Options{
		Backends: instances,
		Default:  cfg.DefaultBackendName(),
		Timeouts: timeouts,
		Cache:    cache.New(cfg.CacheTTL()),
		Gate:     gate,
		Recorder: recorder,
		Logger:   cfg.Logger,
	})
	if err != nil {
		_ = recorder.Close()
		closeBackends(instances)
		return nil, err
	}

	return &runtime{
		Broker:     b,
		Gate:       gate,
		Store:      store,
		PolicyFile: cfg.Definition.PolicyFile,
	}, nil
}

// buildSinks assembles the configured audit sinks. At least one sink is
// required; a broker without an audit trail must not start.
func buildSinks(ctx context.Context, cfg *config.Config) (audit.Sink, *audit.StoreSink, error) {
	var sinks []audit.Sink
	var store *audit.StoreSink

	if cfg.Definition.Audit.File != "" {
		fileSink, err := audit.NewFileSink(cfg.Definition.Audit.File)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, fileSink)
	}

	if cfg.Definition.Audit.StoreDSN != "" {
		storeSink, err := audit.NewStoreSink(ctx, cfg.Definition.Audit.StoreDSN)
		if err != nil {
			closeSinks(sinks)
			return nil, nil, err
		}
		sinks = append(sinks, storeSink)
		store = storeSink
	}

	if len(sinks) == 0 {
		return nil, nil, brokererrors.ConfigError{
			Field:      "audit",
			Message:    "no audit sink configured",
			Suggestion: "Set 'audit.file:' or 'audit.store_dsn:' in your secretbroker.yaml; every access must leave a trail",
		}
	}

	return audit.NewMultiSink(cfg.Logger, sinks...), store, nil
}

func closeBackends(instances map[string]backend.Backend) {
	for _, instance := range instances {
		_ = instance.Close()
	}
}

func closeSinks(sinks []audit.Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}

// parseFieldArgs turns key=value arguments into a field map.
func parseFieldArgs(args []string) (map[string]string, error) {
	fields := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, brokererrors.UserError{
				Message:    "Invalid field argument: " + arg,
				Suggestion: "Pass fields as key=value, e.g. 'password=s3cr3t'",
			}
		}
		fields[key] = value
	}
	return fields, nil
}

// backendNames returns the configured backend names, sorted.
func backendNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Definition.Backends))
	for name := range cfg.Definition.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fieldNames returns the sorted field keys of a secret value.
func fieldNames(fields map[string]string) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// localCaller is the default caller identity for one-shot CLI operations:
// the OS user, overridable with SECRETBROKER_CALLER.
func localCaller() string {
	if caller := os.Getenv("SECRETBROKER_CALLER"); caller != "" {
		return caller
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "user:" + u.Username
	}
	return "user:unknown"
}
