package dsl

import (
	"encoding/json"
	"fmt"

	yaml "go.yaml.in/yaml/v2"
)

// ParseJSON decodes a workflow document and validates it, returning every
// structural defect Validate finds rather than stopping at the first.
func ParseJSON(data []byte) (*WorkflowDSL, error) {
	var d WorkflowDSL
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("dsl: decode json: %w", err)
	}
	if errs := Validate(&d); len(errs) > 0 {
		return nil, joinValidationErrors(errs)
	}
	return &d, nil
}

// ParseYAML decodes a YAML workflow document by first normalizing it to
// JSON (YAML is a superset; go-yaml unmarshals into generic
// map[interface{}]interface{} which encoding/json can't consume
// directly), then reusing the same State.UnmarshalJSON dispatch as
// ParseJSON.
func ParseYAML(data []byte) (*WorkflowDSL, error) {
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("dsl: decode yaml: %w", err)
	}
	normalized := normalizeYAML(generic)
	asJSON, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("dsl: normalize yaml: %w", err)
	}
	return ParseJSON(asJSON)
}

// normalizeYAML recursively converts map[interface{}]interface{} (as
// produced by go.yaml.in/yaml/v2) into map[string]interface{} so the
// result is JSON-marshalable.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(vv)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = normalizeYAML(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = normalizeYAML(vv)
		}
		return out
	default:
		return val
	}
}

type validationErrors struct {
	errs []error
}

func joinValidationErrors(errs []error) error {
	return &validationErrors{errs: errs}
}

func (v *validationErrors) Error() string {
	if len(v.errs) == 1 {
		return v.errs[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(v.errs))
	for _, e := range v.errs {
		msg += "\n  - " + e.Error()
	}
	return msg
}

// Unwrap exposes the individual validation errors for errors.Is/As.
func (v *validationErrors) Unwrap() []error {
	return v.errs
}
