package core

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is the structured-output contract for an agent invocation.
// It is an explicit tagged abstraction: callers either supply a native
// validator function or raw JSON Schema bytes. The executor only ever
// calls Parse and never inspects which flavor is active.
type Schema interface {
	// Parse validates raw JSON bytes and returns the decoded value.
	Parse(data []byte) (any, error)
}

// NativeSchema validates through a caller-supplied function, typically a
// closure that unmarshals into a concrete struct.
type NativeSchema struct {
	ValidateFunc func(data []byte) (any, error)
}

func (s *NativeSchema) Parse(data []byte) (any, error) {
	if s.ValidateFunc == nil {
		return nil, fmt.Errorf("native schema has no validate function: %w", ErrInvalidArgument)
	}
	return s.ValidateFunc(data)
}

// StructSchema builds a NativeSchema that decodes into a value produced
// by the factory, rejecting unknown fields.
func StructSchema(factory func() any) *NativeSchema {
	return &NativeSchema{
		ValidateFunc: func(data []byte) (any, error) {
			v := factory()
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.DisallowUnknownFields()
			if err := dec.Decode(v); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
			}
			return v, nil
		},
	}
}

// JSONSchema validates against a compiled JSON Schema document.
type JSONSchema struct {
	raw      []byte
	compiled *jsonschema.Schema
}

// NewJSONSchema compiles raw JSON Schema bytes. Compilation failures are
// reported at construction, not at parse time.
func NewJSONSchema(raw []byte) (*JSONSchema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return &JSONSchema{raw: raw, compiled: compiled}, nil
}

// Raw returns the original schema bytes, e.g. for embedding into an
// agent's structured-output instructions.
func (s *JSONSchema) Raw() []byte { return s.raw }

func (s *JSONSchema) Parse(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	if err := s.compiled.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return v, nil
}
