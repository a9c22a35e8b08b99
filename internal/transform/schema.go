package transform

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError is one JSON Schema violation, carrying the offending
// field path, the violated constraint, and the observed value.
type ValidationError struct {
	Field      string      `json:"field"`
	Message    string      `json:"message"`
	Value      interface{} `json:"value,omitempty"`
	Constraint string      `json:"constraint"`
}

// schemaCache compiles each outputSchema path once and reuses the
// validator across transformation runs.
type schemaCache struct {
	mu         sync.RWMutex
	validators map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{validators: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) get(path string) (*jsonschema.Schema, error) {
	c.mu.RLock()
	sch, ok := c.validators[path]
	c.mu.RUnlock()
	if ok {
		return sch, nil
	}

	compiler := jsonschema.NewCompiler()
	sch, err := compiler.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("transform: compile schema %s: %w", path, err)
	}

	c.mu.Lock()
	c.validators[path] = sch
	c.mu.Unlock()
	return sch, nil
}

// validate runs payload through the schema at path, collecting all
// violations rather than stopping at the first.
func (c *schemaCache) validate(path string, payload interface{}) ([]ValidationError, error) {
	sch, err := c.get(path)
	if err != nil {
		return nil, err
	}

	err = sch.Validate(payload)
	if err == nil {
		return nil, nil
	}

	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []ValidationError{{Message: err.Error(), Constraint: "unknown"}}, nil
	}
	return flattenValidationError(ve), nil
}

// flattenValidationError walks a jsonschema.ValidationError's Causes tree,
// producing one ValidationError per leaf (actual) violation.
func flattenValidationError(ve *jsonschema.ValidationError) []ValidationError {
	if len(ve.Causes) == 0 {
		return []ValidationError{{
			Field:      instancePath(ve),
			Message:    ve.Error(),
			Constraint: fmt.Sprintf("%T", ve.ErrorKind),
		}}
	}
	var out []ValidationError
	for _, cause := range ve.Causes {
		out = append(out, flattenValidationError(cause)...)
	}
	return out
}

func instancePath(ve *jsonschema.ValidationError) string {
	path := ""
	for _, seg := range ve.InstanceLocation {
		path += "/" + fmt.Sprint(seg)
	}
	return path
}
