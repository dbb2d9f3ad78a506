package tracksync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const frontmatterSchemaURL = "tracksync://schemas/record-frontmatter.json"

const frontmatterSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "properties": {
    "kind": {"type": "string", "enum": ["epic", "task", "Epic", "Task"]},
    "name": {"type": "string", "minLength": 1},
    "status": {"type": ["string", "null"]},
    "assignee": {"type": ["string", "null"]},
    "progress": {"type": ["integer", "number", "string", "boolean", "null"]},
    "updated": {"type": ["string", "number", "null"]},
    "fields": {"type": "object"}
  }
}`

func compileFrontmatterSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frontmatterSchema))
	if err != nil {
		return nil, fmt.Errorf("parse frontmatter schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(frontmatterSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add frontmatter schema: %w", err)
	}
	sch, err := c.Compile(frontmatterSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile frontmatter schema: %w", err)
	}
	return sch, nil
}

// validateFrontmatter checks decoded YAML against the schema. The value is
// round-tripped through JSON so YAML timestamps and ints take their JSON
// shapes first.
func validateFrontmatter(sch *jsonschema.Schema, raw map[string]any) error {
	encoded, err := json.Marshal(finiteJSON(raw))
	if err != nil {
		return fmt.Errorf("%w: frontmatter is not representable as JSON: %v", ErrInvalidInput, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: frontmatter: %v", ErrInvalidInput, err)
	}
	return nil
}

// finiteJSON replaces YAML's .nan and .inf, which JSON cannot carry, with
// their text so a bad number reaches the field decoder as a warning.
func finiteJSON(v any) any {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Sprint(t)
		}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = finiteJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = finiteJSON(item)
		}
		return out
	}
	return v
}
