package validation

import (
	"fmt"
	"math"
	"sync"

	"github.com/invopop/jsonschema"
)

// Registry maps message types to validators derived from Go prototypes. The
// JSON Schema reflected from the prototype is the source of truth for which
// fields exist, which are required, and what primitive type each carries.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register derives a schema for msgType from the prototype struct. Duplicate
// registrations replace the previous schema.
func (r *Registry) Register(msgType string, prototype any) error {
	if msgType == "" {
		return fmt.Errorf("empty message type")
	}
	refl := jsonschema.Reflector{
		DoNotReference: true,
	}
	sch := refl.Reflect(prototype)
	if sch == nil || sch.Type != "object" {
		return fmt.Errorf("prototype for %q must reflect to an object schema", msgType)
	}
	r.mu.Lock()
	r.schemas[msgType] = sch
	r.mu.Unlock()
	return nil
}

// Types returns the registered message types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	return out
}

// Validator returns the validator for msgType, or false if the type is
// unknown to the registry.
func (r *Registry) Validator(msgType string) (Validator, bool) {
	r.mu.RLock()
	sch, ok := r.schemas[msgType]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &schemaValidator{schema: sch}, true
}

// schemaValidator checks a raw message against a reflected schema. Envelope
// bookkeeping fields (type, id, session_id and the volatile set) are always
// tolerated; they belong to the envelope, not the typed payload.
type schemaValidator struct {
	schema *jsonschema.Schema
}

var envelopeFields = map[string]struct{}{
	"type":       {},
	"id":         {},
	"session_id": {},
}

func (v *schemaValidator) Validate(raw map[string]any, mode Mode) Verdict {
	var warnings []string

	fail := func(format string, args ...any) Verdict {
		return Verdict{Kind: VerdictFailed, Err: fmt.Errorf(format, args...)}
	}

	// Required fields.
	for _, req := range v.schema.Required {
		if _, ok := raw[req]; !ok {
			if mode == ModeStrict {
				return fail("validation failed: missing required field %q", req)
			}
			warnings = append(warnings, fmt.Sprintf("missing required field %q", req))
		}
	}

	// Known-field type checks and unknown-field handling.
	model := make(map[string]any, len(raw))
	for k, val := range raw {
		if _, ok := envelopeFields[k]; ok {
			model[k] = val
			continue
		}
		if _, ok := volatileFields[k]; ok {
			model[k] = val
			continue
		}
		propSchema, known := v.property(k)
		if !known {
			if mode == ModeStrict {
				return fail("validation failed: unknown field %q", k)
			}
			warnings = append(warnings, fmt.Sprintf("unknown field %q ignored", k))
			continue
		}
		if err := checkType(k, val, propSchema.Type); err != nil {
			// A known field of the wrong type fails in both modes.
			return fail("validation failed: %v", err)
		}
		model[k] = val
	}

	if mode == ModeStrict {
		return Verdict{Kind: VerdictStrict, Model: model}
	}
	return Verdict{Kind: VerdictLenient, Model: model, Warnings: warnings}
}

func (v *schemaValidator) property(name string) (*jsonschema.Schema, bool) {
	if v.schema.Properties == nil {
		return nil, false
	}
	return v.schema.Properties.Get(name)
}

// checkType verifies a decoded JSON value against a schema primitive type.
// An empty schema type accepts anything.
func checkType(field string, val any, schemaType string) error {
	if schemaType == "" || val == nil {
		return nil
	}
	switch schemaType {
	case "string":
		if _, ok := val.(string); !ok {
			return fmt.Errorf("field %q: expected string, got %T", field, val)
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("field %q: expected boolean, got %T", field, val)
		}
	case "integer":
		f, ok := val.(float64)
		if !ok {
			if _, isInt := val.(int); isInt {
				return nil
			}
			return fmt.Errorf("field %q: expected integer, got %T", field, val)
		}
		if f != math.Trunc(f) {
			return fmt.Errorf("field %q: expected integer, got fractional number", field)
		}
	case "number":
		switch val.(type) {
		case float64, int:
		default:
			return fmt.Errorf("field %q: expected number, got %T", field, val)
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			return fmt.Errorf("field %q: expected object, got %T", field, val)
		}
	case "array":
		if _, ok := val.([]any); !ok {
			return fmt.Errorf("field %q: expected array, got %T", field, val)
		}
	}
	return nil
}
