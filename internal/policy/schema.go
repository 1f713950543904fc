package policy

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	brokererrors "github.com/systmms/secretbroker/internal/errors"
)

// ruleFileSchema is the JSON schema every policy rule file must satisfy
// before YAML decoding. Schema validation gives field-level messages for
// malformed files instead of zero-valued rules that silently deny.
const ruleFileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["rules"],
  "additionalProperties": false,
  "properties": {
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["prefix", "capabilities"],
        "additionalProperties": false,
        "properties": {
          "prefix": {"type": "string", "minLength": 1},
          "capabilities": {
            "type": "array",
            "minItems": 1,
            "items": {"enum": ["read", "write", "rotate"]}
          },
          "callers": {
            "type": "array",
            "items": {"type": "string", "minLength": 1}
          }
        }
      }
    }
  }
}`

func validateSchema(yamlData []byte) error {
	// gojsonschema works on JSON-shaped documents; decode the YAML into
	// plain interface{} values first.
	var doc interface{}
	if err := yaml.Unmarshal(yamlData, &doc); err != nil {
		return brokererrors.ConfigError{
			Field:      "policy_file",
			Message:    "invalid YAML in policy rule file",
			Suggestion: "Check indentation and quoting",
		}
	}
	doc = normalizeYAML(doc)

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(ruleFileSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("policy schema validation: %w", err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return brokererrors.ConfigError{
			Field:      "policy_file",
			Message:    "policy rule file failed schema validation",
			Suggestion: strings.Join(problems, "; "),
		}
	}
	return nil
}

// normalizeYAML rewrites map[interface{}]interface{} nodes into
// map[string]interface{} so the document can be marshaled as JSON.
func normalizeYAML(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		for k, val := range vv {
			vv[k] = normalizeYAML(val)
		}
		return vv
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		for i, val := range vv {
			vv[i] = normalizeYAML(val)
		}
		return vv
	default:
		return v
	}
}
