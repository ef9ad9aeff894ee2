package assertion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"everlaunch/internal/domain"
)

const specSchemaURL = "https://everlaunch.dev/schemas/assertion-spec.json"

// ValidationError is one schema violation in an assertion spec document.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// SpecErrors collects every violation found in one document.
type SpecErrors []ValidationError

func (e SpecErrors) Error() string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Error()
	}
	return "invalid expected_assertions: " + strings.Join(parts, "; ")
}

var (
	compileOnce sync.Once
	compiled    *sjsonschema.Schema
	compileErr  error
)

// GenerateSpecSchema produces the JSON Schema document for AssertionSpec.
func GenerateSpecSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.ExpandedStruct = true
	s := r.Reflect(&domain.AssertionSpec{})
	s.ID = specSchemaURL
	s.Title = "Regression scenario assertions"
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

func specSchema() (*sjsonschema.Schema, error) {
	compileOnce.Do(func() {
		data, err := GenerateSpecSchema()
		if err != nil {
			compileErr = err
			return
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			compileErr = fmt.Errorf("unmarshal schema: %w", err)
			return
		}
		c := sjsonschema.NewCompiler()
		if err := c.AddResource(specSchemaURL, doc); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile(specSchemaURL)
	})
	return compiled, compileErr
}

// ValidateSpec checks a raw expected_assertions document and decodes it. Empty input
// and null are an empty spec.
func ValidateSpec(raw []byte) (domain.AssertionSpec, error) {
	var spec domain.AssertionSpec
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return spec, nil
	}
	sch, err := specSchema()
	if err != nil {
		return spec, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return spec, SpecErrors{{Message: fmt.Sprintf("not valid JSON: %v", err)}}
	}
	if err := sch.Validate(doc); err != nil {
		ve, ok := err.(*sjsonschema.ValidationError)
		if !ok {
			return spec, SpecErrors{{Message: err.Error()}}
		}
		var errs SpecErrors
		for _, cause := range flatten(ve) {
			errs = append(errs, ValidationError{
				Path:    strings.Join(cause.InstanceLocation, "/"),
				Message: fmt.Sprintf("%v", cause.ErrorKind),
			})
		}
		return spec, errs
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return spec, SpecErrors{{Message: err.Error()}}
	}
	return spec, nil
}

func flatten(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flatten(cause)...)
	}
	return flat
}
