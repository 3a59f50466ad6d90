package flow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FieldType is the value type of a form field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInteger FieldType = "integer"
	FieldBoolean FieldType = "boolean"
)

// Form error codes reported per field.
const (
	ErrorRequired = "required"
	ErrorInvalid  = "invalid"
)

// Field is one form field.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Required declares a required field.
func Required(name string, t FieldType) Field {
	return Field{Name: name, Type: t, Required: true}
}

// Optional declares an optional field.
func Optional(name string, t FieldType) Field {
	return Field{Name: name, Type: t}
}

// FormSchema describes the fields a form step requests. Input keys that are not
// declared are accepted and passed through to the step.
type FormSchema struct {
	Fields []Field `json:"fields"`

	once     sync.Once
	compiled *jsonschema.Schema
	err      error
}

// NewSchema builds a form schema from fields.
func NewSchema(fields ...Field) *FormSchema {
	return &FormSchema{Fields: fields}
}

// RequiredFields returns the names of the required fields in declaration order.
func (s *FormSchema) RequiredFields() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// JSONSchema renders the form as a JSON Schema document.
func (s *FormSchema) JSONSchema() map[string]any {
	properties := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		prop := map[string]any{"type": string(f.Type)}
		if f.Type == FieldString && f.Required {
			prop["minLength"] = 1
		}
		properties[f.Name] = prop
	}

	doc := map[string]any{
		"$schema":    "http://json-schema.org/draft-07/schema#",
		"type":       "object",
		"properties": properties,
	}
	if required := s.RequiredFields(); len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

// Validate checks input against the schema and returns per-field error codes.
// An empty map means the input is valid. The error is only set when the schema
// itself cannot be compiled.
func (s *FormSchema) Validate(input Input) (map[string]string, error) {
	errs := make(map[string]string)

	for _, name := range s.RequiredFields() {
		v, ok := input[name]
		if !ok || v == nil {
			errs[name] = ErrorRequired
			continue
		}
		if str, isStr := v.(string); isStr && strings.TrimSpace(str) == "" {
			errs[name] = ErrorRequired
		}
	}
	if len(errs) > 0 {
		return errs, nil
	}

	compiled, err := s.compile()
	if err != nil {
		return nil, err
	}

	if err := compiled.Validate(map[string]any(input.Clone())); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return nil, fmt.Errorf("failed to validate form input: %w", err)
		}
		collectFieldErrors(verr, errs)
	}
	return errs, nil
}

func (s *FormSchema) compile() (*jsonschema.Schema, error) {
	s.once.Do(func() {
		raw, err := json.Marshal(s.JSONSchema())
		if err != nil {
			s.err = fmt.Errorf("failed to encode form schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("form.json", bytes.NewReader(raw)); err != nil {
			s.err = fmt.Errorf("failed to load form schema: %w", err)
			return
		}
		s.compiled, s.err = compiler.Compile("form.json")
	})
	return s.compiled, s.err
}

// collectFieldErrors maps leaf validation errors to the top-level field they concern.
func collectFieldErrors(verr *jsonschema.ValidationError, errs map[string]string) {
	if len(verr.Causes) == 0 {
		field := strings.TrimPrefix(verr.InstanceLocation, "/")
		if i := strings.Index(field, "/"); i >= 0 {
			field = field[:i]
		}
		if field == "" {
			field = "base"
		}
		errs[field] = ErrorInvalid
		return
	}
	for _, cause := range verr.Causes {
		collectFieldErrors(cause, errs)
	}
}
