// Package spec loads the embedded tool manifest and system prompt.
//
// The manifest is validated twice: a structural pass over the JSON-Schema
// subset the tools use, and a full compile of each input schema. A manifest
// that fails either check aborts startup.
package spec

import (
	_ "embed"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed assets/tools.json
var manifestJSON []byte

//go:embed assets/system_prompt.md
var systemPrompt string

// ToolSpec describes one tool contract from the manifest.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Returns     map[string]interface{} `json:"returns,omitempty"`
}

type manifest struct {
	Functions []ToolSpec `json:"functions"`
}

// SystemPrompt returns the base system prompt. It still carries the legacy
// mount literals; workspace.AdaptPrompt rewrites them per session.
func SystemPrompt() string { return systemPrompt }

// LoadToolSpecs parses and validates the embedded manifest.
func LoadToolSpecs() ([]ToolSpec, error) {
	return ParseManifest(manifestJSON)
}

// MustLoadToolSpecs is LoadToolSpecs for startup paths where a malformed
// manifest is fatal.
func MustLoadToolSpecs() []ToolSpec {
	specs, err := LoadToolSpecs()
	if err != nil {
		panic(fmt.Sprintf("tool manifest invalid: %v", err))
	}
	return specs
}

// ParseManifest decodes a manifest document and validates every spec.
func ParseManifest(data []byte) ([]ToolSpec, error) {
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse tool manifest: %w", err)
	}
	if len(m.Functions) == 0 {
		return nil, fmt.Errorf("tool manifest declares no functions")
	}

	seen := make(map[string]bool, len(m.Functions))
	for i, spec := range m.Functions {
		if spec.Name == "" {
			return nil, fmt.Errorf("manifest entry %d: missing name", i)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("manifest entry %d: duplicate tool %q", i, spec.Name)
		}
		seen[spec.Name] = true
		if spec.Parameters != nil {
			if err := validateSchema(spec.Parameters); err != nil {
				return nil, fmt.Errorf("tool %q: input schema: %w", spec.Name, err)
			}
			if err := compileSchema(spec.Parameters); err != nil {
				return nil, fmt.Errorf("tool %q: input schema does not compile: %w", spec.Name, err)
			}
		}
		if spec.Returns != nil {
			if err := validateSchema(spec.Returns); err != nil {
				return nil, fmt.Errorf("tool %q: output schema: %w", spec.Name, err)
			}
		}
	}
	return m.Functions, nil
}

var allowedTypes = map[string]bool{
	"null":    true,
	"boolean": true,
	"object":  true,
	"array":   true,
	"number":  true,
	"integer": true,
	"string":  true,
}

// validateSchema checks the JSON-Schema subset the manifest is allowed to
// use, recursing into properties, items and additionalProperties.
func validateSchema(schema map[string]interface{}) error {
	if raw, ok := schema["type"]; ok {
		switch t := raw.(type) {
		case string:
			if !allowedTypes[t] {
				return fmt.Errorf("unknown type %q", t)
			}
		case []interface{}:
			for _, item := range t {
				name, ok := item.(string)
				if !ok || !allowedTypes[name] {
					return fmt.Errorf("unknown type %v", item)
				}
			}
		default:
			return fmt.Errorf("'type' must be a string or list of strings")
		}
	}

	if raw, ok := schema["required"]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return fmt.Errorf("'required' must be an array of strings")
		}
		for _, item := range list {
			if _, ok := item.(string); !ok {
				return fmt.Errorf("'required' must be an array of strings")
			}
		}
	}

	if raw, ok := schema["enum"]; ok {
		if _, ok := raw.([]interface{}); !ok {
			return fmt.Errorf("'enum' must be an array")
		}
	}

	if raw, ok := schema["properties"]; ok {
		props, ok := raw.(map[string]interface{})
		if !ok {
			return fmt.Errorf("'properties' must be an object")
		}
		for name, sub := range props {
			subSchema, ok := sub.(map[string]interface{})
			if !ok {
				return fmt.Errorf("property %q must be a schema object", name)
			}
			if err := validateSchema(subSchema); err != nil {
				return fmt.Errorf("property %q: %w", name, err)
			}
		}
	}

	if raw, ok := schema["items"]; ok {
		switch items := raw.(type) {
		case map[string]interface{}:
			if err := validateSchema(items); err != nil {
				return fmt.Errorf("items: %w", err)
			}
		case []interface{}:
			for i, sub := range items {
				subSchema, ok := sub.(map[string]interface{})
				if !ok {
					return fmt.Errorf("items[%d] must be a schema object", i)
				}
				if err := validateSchema(subSchema); err != nil {
					return fmt.Errorf("items[%d]: %w", i, err)
				}
			}
		default:
			return fmt.Errorf("'items' must be a schema or list of schemas")
		}
	}

	if raw, ok := schema["additionalProperties"]; ok {
		switch ap := raw.(type) {
		case bool:
		case map[string]interface{}:
			if err := validateSchema(ap); err != nil {
				return fmt.Errorf("additionalProperties: %w", err)
			}
		default:
			return fmt.Errorf("'additionalProperties' must be a boolean or schema")
		}
	}

	return nil
}

// CompileInput compiles the spec's input schema for argument validation.
// Specs without parameters compile to nil and accept anything.
func (s ToolSpec) CompileInput() (*jsonschema.Schema, error) {
	if s.Parameters == nil {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normaliseForCompiler(s.Parameters)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func compileSchema(schema map[string]interface{}) error {
	_, err := ToolSpec{Parameters: schema}.CompileInput()
	return err
}

// normaliseForCompiler deep-copies the schema through JSON so the compiler
// sees plain decoded values regardless of how the map was built.
func normaliseForCompiler(schema map[string]interface{}) interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return schema
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return schema
	}
	return doc
}
