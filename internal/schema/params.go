package schema

import (
	"encoding/json"
	"fmt"
)

// ParamSpec is one entry of a model's parameter schema. The concrete type
// is one of FloatParam, IntParam or EnumParam; the wire form carries a
// "type" tag ("float", "int", "enum").
type ParamSpec interface {
	// DefaultValue returns the schema default and whether one is declared.
	DefaultValue() (interface{}, bool)
	paramType() string
}

// FloatParam bounds a floating-point parameter to a closed interval.
type FloatParam struct {
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Default *float64 `json:"default,omitempty"`
}

func (p FloatParam) DefaultValue() (interface{}, bool) {
	if p.Default == nil {
		return nil, false
	}
	return *p.Default, true
}

func (FloatParam) paramType() string { return "float" }

// IntParam bounds an integer parameter to a closed interval. Numeric
// floating forms coerce by truncation.
type IntParam struct {
	Min     *int `json:"min,omitempty"`
	Max     *int `json:"max,omitempty"`
	Default *int `json:"default,omitempty"`
}

func (p IntParam) DefaultValue() (interface{}, bool) {
	if p.Default == nil {
		return nil, false
	}
	return *p.Default, true
}

func (IntParam) paramType() string { return "int" }

// EnumParam restricts a string parameter to a declared value set.
type EnumParam struct {
	Values  []string `json:"values"`
	Default *string  `json:"default,omitempty"`
}

func (p EnumParam) DefaultValue() (interface{}, bool) {
	if p.Default == nil {
		return nil, false
	}
	return *p.Default, true
}

func (EnumParam) paramType() string { return "enum" }

// ParamSchema maps parameter names to their specs.
type ParamSchema map[string]ParamSpec

func (s ParamSchema) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s))
	for name, spec := range s {
		body, err := json.Marshal(spec)
		if err != nil {
			return nil, err
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, err
		}
		m["type"] = json.RawMessage(fmt.Sprintf("%q", spec.paramType()))
		tagged, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		out[name] = tagged
	}
	return json.Marshal(out)
}

func (s *ParamSchema) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(ParamSchema, len(raw))
	for name, body := range raw {
		var tag struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(body, &tag); err != nil {
			return fmt.Errorf("parameter %q: %w", name, err)
		}
		switch tag.Type {
		case "float":
			var p FloatParam
			if err := json.Unmarshal(body, &p); err != nil {
				return fmt.Errorf("parameter %q: %w", name, err)
			}
			out[name] = p
		case "int":
			var p IntParam
			if err := json.Unmarshal(body, &p); err != nil {
				return fmt.Errorf("parameter %q: %w", name, err)
			}
			out[name] = p
		case "enum":
			var p EnumParam
			if err := json.Unmarshal(body, &p); err != nil {
				return fmt.Errorf("parameter %q: %w", name, err)
			}
			out[name] = p
		default:
			return fmt.Errorf("parameter %q: unknown type %q", name, tag.Type)
		}
	}
	*s = out
	return nil
}

// Helpers for building schemas in seed data and tests.

// FloatPtr returns a pointer to f.
func FloatPtr(f float64) *float64 { return &f }

// IntPtr returns a pointer to i.
func IntPtr(i int) *int { return &i }

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }
