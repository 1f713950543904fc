// Package policy implements the broker's authorization gate: a static,
// ordered set of path-prefix rules loaded from a YAML file and evaluated on
// every request. Evaluation never caches per caller, since credentials can
// be revoked between calls.
package policy

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	brokererrors "github.com/systmms/secretbroker/internal/errors"
)

// Capability is an operation class a rule can grant.
type Capability string

const (
	CapabilityRead   Capability = "read"
	CapabilityWrite  Capability = "write"
	CapabilityRotate Capability = "rotate"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityRead, CapabilityWrite, CapabilityRotate:
		return true
	}
	return false
}

// Rule grants capabilities on a path prefix, optionally restricted to a
// caller allow-list.
type Rule struct {
	// Prefix is matched against whole path segments: "secret/db" matches
	// "secret/db" and "secret/db/replica" but not "secret/database".
	Prefix string `yaml:"prefix" json:"prefix"`

	// Capabilities lists the operations this rule grants.
	Capabilities []Capability `yaml:"capabilities" json:"capabilities"`

	// Callers restricts the rule to the named caller identities. Empty
	// means any caller.
	Callers []string `yaml:"callers,omitempty" json:"callers,omitempty"`
}

func (r Rule) matchesPath(path string) bool {
	if r.Prefix == path {
		return true
	}
	return strings.HasPrefix(path, r.Prefix+"/")
}

func (r Rule) allowsCaller(caller string) bool {
	if len(r.Callers) == 0 {
		return true
	}
	for _, c := range r.Callers {
		if c == caller {
			return true
		}
	}
	return false
}

func (r Rule) grants(capability Capability) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Decision is the outcome of one gate evaluation.
type Decision struct {
	Allowed bool
	// Reason explains a denial; empty on allow.
	Reason string
	// Rule is the winning rule, nil when nothing matched.
	Rule *Rule
}

// Allow builds an allowing decision for rule.
func Allow(rule *Rule) Decision {
	return Decision{Allowed: true, Rule: rule}
}

// Deny builds a denying decision with a reason.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

type ruleSet struct {
	rules []Rule
}

// Gate evaluates caller/path/capability requests against the loaded rule
// set. The rule set is swapped atomically on reload, so evaluation is
// lock-free.
type Gate struct {
	current atomic.Pointer[ruleSet]
}

// NewGate creates a gate with the given rules. Rules are validated the same
// way LoadFile validates file contents.
func NewGate(rules []Rule) (*Gate, error) {
	if err := validateRules(rules); err != nil {
		return nil, err
	}
	g := &Gate{}
	g.current.Store(&ruleSet{rules: rules})
	return g, nil
}

// LoadFile reads, schema-validates, and parses a rule file, returning a
// ready gate.
func LoadFile(path string) (*Gate, error) {
	g := &Gate{}
	if err := g.Reload(path); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload re-reads the rule file and swaps the active rule set atomically.
// On any error the previous rule set stays active.
func (g *Gate) Reload(path string) error {
	rules, err := parseFile(path)
	if err != nil {
		return err
	}
	g.current.Store(&ruleSet{rules: rules})
	return nil
}

// Rules returns a copy of the active rules, for `secretbroker validate`.
func (g *Gate) Rules() []Rule {
	rs := g.current.Load()
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Authorize evaluates one request. The longest matching prefix wins; among
// equal-length prefixes the earlier rule wins. No match is a deny.
func (g *Gate) Authorize(caller, path string, capability Capability) Decision {
	if !capability.Valid() {
		return Deny(fmt.Sprintf("unknown capability %q", capability))
	}

	rs := g.current.Load()
	var winner *Rule
	for i := range rs.rules {
		rule := &rs.rules[i]
		if !rule.matchesPath(path) {
			continue
		}
		if winner == nil || len(rule.Prefix) > len(winner.Prefix) {
			winner = rule
		}
	}

	if winner == nil {
		return Deny(fmt.Sprintf("no rule matches path %q", path))
	}
	if !winner.allowsCaller(caller) {
		return Deny(fmt.Sprintf("caller %q not permitted on %q", caller, winner.Prefix))
	}
	if !winner.grants(capability) {
		return Deny(fmt.Sprintf("capability %q not granted on %q", capability, winner.Prefix))
	}
	return Allow(winner)
}

func parseFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, brokererrors.ConfigError{
				Field:      "policy_file",
				Value:      path,
				Message:    "policy rule file not found",
				Suggestion: "Create a rule file or point policy_file at an existing one",
			}
		}
		return nil, brokererrors.UserError{
			Message: "Failed to read policy rule file",
			Details: err.Error(),
			Err:     err,
		}
	}

	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, brokererrors.ConfigError{
			Field:      "policy_file",
			Value:      path,
			Message:    "invalid YAML in policy rule file",
			Suggestion: "Check indentation and quoting",
		}
	}

	if err := validateRules(doc.Rules); err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

func validateRules(rules []Rule) error {
	for i, rule := range rules {
		if rule.Prefix == "" {
			return brokererrors.ConfigError{
				Field:   fmt.Sprintf("rules[%d].prefix", i),
				Message: "rule prefix must not be empty",
			}
		}
		if strings.HasPrefix(rule.Prefix, "/") || strings.HasSuffix(rule.Prefix, "/") {
			return brokererrors.ConfigError{
				Field:      fmt.Sprintf("rules[%d].prefix", i),
				Value:      rule.Prefix,
				Message:    "rule prefix must not start or end with '/'",
				Suggestion: "Use segment form like 'secret/db'",
			}
		}
		if len(rule.Capabilities) == 0 {
			return brokererrors.ConfigError{
				Field:      fmt.Sprintf("rules[%d].capabilities", i),
				Message:    "rule grants no capabilities",
				Suggestion: "List at least one of: read, write, rotate",
			}
		}
		for _, c := range rule.Capabilities {
			if !c.Valid() {
				return brokererrors.ConfigError{
					Field:      fmt.Sprintf("rules[%d].capabilities", i),
					Value:      string(c),
					Message:    "unknown capability",
					Suggestion: "Valid capabilities: read, write, rotate",
				}
			}
		}
	}
	return nil
}
