package ocr

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuildResponseJSONSchema returns a JSON-Schema (draft 2020-12 subset) for the
// analysis wire response. Deliberately permissive about field-node internals:
// the extractor handles those leniently; the schema only pins the envelope.
func BuildResponseJSONSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"success"},
		"properties": map[string]any{
			"success": map[string]any{"type": "boolean"},
			"data": map[string]any{
				"type":     "object",
				"required": []string{"fields"},
				"properties": map[string]any{
					"doc_type":   map[string]any{"type": "string"},
					"fields":     map[string]any{"type": "object"},
					"confidence": map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
				},
			},
			"validation": map[string]any{
				"type":     "object",
				"required": []string{"is_valid_receipt", "confidence"},
				"properties": map[string]any{
					"is_valid_receipt": map[string]any{"type": "boolean"},
					"confidence":       map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
					"message":          map[string]any{"type": "string"},
					"doc_type":         map[string]any{"type": "string"},
				},
			},
		},
	}
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
