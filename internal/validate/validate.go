// Package validate coerces and bounds-checks canonical requests against a
// model's parameter schema.
//
// Validate is pure: it never mutates its input and has no side effects, so
// a coerced request re-validated against the same model comes back
// unchanged.
package validate

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kelpejol/relay/internal/apierr"
	"github.com/kelpejol/relay/internal/schema"
)

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"function":  true,
}

// Validate checks the message list against the model's capabilities and
// coerces every declared parameter, substituting schema defaults for
// absent or null values. Unknown parameters pass through untouched.
func Validate(req *schema.Request, model *schema.Model) (*schema.Request, error) {
	if len(req.Messages) == 0 {
		return nil, apierr.New(apierr.KindBadRequest, "Request must contain 'messages' field")
	}

	for _, msg := range req.Messages {
		if !validRoles[msg.Role] {
			return nil, apierr.New(apierr.KindBadRequest, "Invalid message format")
		}
		for _, part := range msg.Content.Parts {
			switch part.Type {
			case "text":
			case "image_url", "image":
				if !model.Capabilities.Image {
					return nil, apierr.New(apierr.KindBadRequest,
						fmt.Sprintf("Model %s does not support image input", model.ModelID))
				}
			default:
				return nil, apierr.New(apierr.KindBadRequest,
					fmt.Sprintf("Unsupported content type %q", part.Type))
			}
		}
	}

	out := req.Clone()
	for name, spec := range model.Parameters {
		value, present := out.Param(name)
		if !present || value == nil {
			if def, ok := spec.DefaultValue(); ok {
				out.SetParam(name, def)
			}
			continue
		}
		coerced, err := coerce(name, value, spec)
		if err != nil {
			return nil, err
		}
		out.SetParam(name, coerced)
	}
	return out, nil
}

func coerce(name string, value interface{}, spec schema.ParamSpec) (interface{}, error) {
	switch p := spec.(type) {
	case schema.FloatParam:
		f, ok := asFloat(value)
		if !ok {
			return nil, typeError(name, "float")
		}
		if p.Min != nil && f < *p.Min {
			return nil, boundError(name, ">=", *p.Min)
		}
		if p.Max != nil && f > *p.Max {
			return nil, boundError(name, "<=", *p.Max)
		}
		return f, nil

	case schema.IntParam:
		f, ok := asFloat(value)
		if !ok {
			return nil, typeError(name, "int")
		}
		// Floating forms truncate toward zero, matching int(float(x)).
		i := int(math.Trunc(f))
		if p.Min != nil && i < *p.Min {
			return nil, boundError(name, ">=", float64(*p.Min))
		}
		if p.Max != nil && i > *p.Max {
			return nil, boundError(name, "<=", float64(*p.Max))
		}
		return i, nil

	case schema.EnumParam:
		s, ok := value.(string)
		if !ok {
			return nil, typeError(name, "enum")
		}
		for _, allowed := range p.Values {
			if s == allowed {
				return s, nil
			}
		}
		return nil, apierr.New(apierr.KindBadRequest,
			fmt.Sprintf("Parameter '%s' must be one of: [%s]", name, strings.Join(p.Values, ", ")))

	default:
		return nil, apierr.New(apierr.KindInternal,
			fmt.Sprintf("unknown parameter spec for '%s'", name))
	}
}

func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func typeError(name, expected string) error {
	return apierr.New(apierr.KindBadRequest,
		fmt.Sprintf("Parameter '%s' has invalid type. Expected %s", name, expected))
}

func boundError(name, op string, bound float64) error {
	return apierr.New(apierr.KindBadRequest,
		fmt.Sprintf("Parameter '%s' must be %s %v", name, op, bound))
}
