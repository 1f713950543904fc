// Package config loads and validates the secretbroker.yaml file.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	brokererrors "github.com/systmms/secretbroker/internal/errors"
	"github.com/systmms/secretbroker/internal/logging"
)

const (
	DefaultListenAddr = ":8200"
	DefaultTTL        = 5 * time.Minute
	DefaultTimeout    = 30 * time.Second
)

// Config holds the runtime configuration.
type Config struct {
	Path       string
	Logger     *logging.Logger
	Definition *Definition
}

// Definition represents the secretbroker.yaml structure.
type Definition struct {
	Version        int                      `yaml:"version"`
	Listen         string                   `yaml:"listen,omitempty"`
	DefaultBackend string                   `yaml:"default_backend,omitempty"`
	DefaultTTL     string                   `yaml:"default_ttl,omitempty"`
	PolicyFile     string                   `yaml:"policy_file"`
	Audit          AuditConfig              `yaml:"audit,omitempty"`
	Backends       map[string]BackendConfig `yaml:"backends"`
}

// BackendConfig holds a named backend's type and inline configuration. All
// keys other than type and timeout_ms flow through to the backend factory.
type BackendConfig struct {
	Type      string                 `yaml:"type"`
	TimeoutMs int                    `yaml:"timeout_ms,omitempty"`
	Config    map[string]interface{} `yaml:",inline"`
}

// AuditConfig selects the audit sinks. At least one of file and store_dsn
// must be set.
type AuditConfig struct {
	File     string `yaml:"file,omitempty"`
	StoreDSN string `yaml:"store_dsn,omitempty"`
}

// Load reads and parses the secretbroker.yaml file.
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return brokererrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create a secretbroker.yaml or pass --config with the file's location",
			}
		}
		return brokererrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return brokererrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	if def.Version != 0 {
		return brokererrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your secretbroker.yaml file",
		}
	}

	if err := validate(&def); err != nil {
		return err
	}

	c.Definition = &def
	return nil
}

func validate(def *Definition) error {
	if len(def.Backends) == 0 {
		return brokererrors.ConfigError{
			Field:      "backends",
			Message:    "at least one backend must be configured",
			Suggestion: "Add a backend under 'backends:' with a 'type:' key",
		}
	}
	for name, bc := range def.Backends {
		if bc.Type == "" {
			return brokererrors.ConfigError{
				Field:      fmt.Sprintf("backends.%s.type", name),
				Message:    "backend type is required",
				Suggestion: "Set 'type:' to one of: static, vault, aws.secretsmanager, gcp.secretmanager, azure.keyvault",
			}
		}
	}

	if def.DefaultBackend != "" {
		if _, ok := def.Backends[def.DefaultBackend]; !ok {
			return brokererrors.ConfigError{
				Field:      "default_backend",
				Value:      def.DefaultBackend,
				Message:    "default backend is not configured",
				Suggestion: fmt.Sprintf("Available backends: %s", strings.Join(backendNames(def), ", ")),
			}
		}
	}

	if def.PolicyFile == "" {
		return brokererrors.ConfigError{
			Field:      "policy_file",
			Message:    "policy file is required",
			Suggestion: "Point 'policy_file:' at a YAML rule file; the broker denies everything without one",
		}
	}

	if def.DefaultTTL != "" {
		if _, err := time.ParseDuration(def.DefaultTTL); err != nil {
			return brokererrors.ConfigError{
				Field:      "default_ttl",
				Value:      def.DefaultTTL,
				Message:    "invalid duration",
				Suggestion: "Use Go duration syntax, e.g. '5m' or '90s'",
			}
		}
	}

	return nil
}

func backendNames(def *Definition) []string {
	names := make([]string, 0, len(def.Backends))
	for name := range def.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListenAddr returns the configured listen address or the default.
func (c *Config) ListenAddr() string {
	if c.Definition == nil || c.Definition.Listen == "" {
		return DefaultListenAddr
	}
	return c.Definition.Listen
}

// CacheTTL returns the configured default cache TTL or the default.
func (c *Config) CacheTTL() time.Duration {
	if c.Definition == nil || c.Definition.DefaultTTL == "" {
		return DefaultTTL
	}
	d, err := time.ParseDuration(c.Definition.DefaultTTL)
	if err != nil {
		return DefaultTTL
	}
	return d
}

// DefaultBackendName returns the configured default backend. With a single
// backend configured, that backend is the default.
func (c *Config) DefaultBackendName() string {
	if c.Definition == nil {
		return ""
	}
	if c.Definition.DefaultBackend != "" {
		return c.Definition.DefaultBackend
	}
	if len(c.Definition.Backends) == 1 {
		for name := range c.Definition.Backends {
			return name
		}
	}
	return ""
}

// GetBackend returns the configuration for a named backend.
func (c *Config) GetBackend(name string) (BackendConfig, error) {
	if c.Definition == nil {
		return BackendConfig{}, brokererrors.UserError{
			Message:    "Configuration not loaded",
			Suggestion: "This is an internal error. Please report it",
		}
	}

	if bc, ok := c.Definition.Backends[name]; ok {
		return bc, nil
	}

	return BackendConfig{}, brokererrors.ConfigError{
		Field:      "backend",
		Value:      name,
		Message:    "backend not found in configuration",
		Suggestion: fmt.Sprintf("Available backends: %s", strings.Join(backendNames(c.Definition), ", ")),
	}
}

// Timeout returns the backend's per-call timeout.
func (b BackendConfig) Timeout() time.Duration {
	if b.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(b.TimeoutMs) * time.Millisecond
}
