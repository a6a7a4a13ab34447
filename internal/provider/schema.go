package provider

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidator checks REST response bodies against JSON schemas
type SchemaValidator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewSchemaValidator compiles the named schemas
func NewSchemaValidator(schemas map[string]map[string]any) (*SchemaValidator, error) {
	v := &SchemaValidator{schemas: make(map[string]*gojsonschema.Schema, len(schemas))}
	for name, schema := range schemas {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
		if err != nil {
			return nil, fmt.Errorf("invalid %s schema: %w", name, err)
		}
		v.schemas[name] = compiled
	}
	return v, nil
}

// Validate validates a JSON document against the named schema
func (v *SchemaValidator) Validate(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("response is not valid JSON: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, err := range result.Errors() {
			errs = append(errs, err.String())
		}
		return fmt.Errorf("response does not match %s schema: %s", name, strings.Join(errs, "; "))
	}

	return nil
}
