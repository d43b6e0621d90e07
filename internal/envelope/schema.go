package envelope

import (
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchemaDoc is the JSON Schema an inbound event must satisfy before
// Event Ingress accepts it. Mirrors spec.md §3 "Message envelope": the shape
// is fixed, body must be an object.
const envelopeSchemaDoc = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["publisher_name", "realm", "topic", "body"],
	"properties": {
		"publisher_name": {"type": "string", "minLength": 1},
		"ts": {"type": "string"},
		"realm": {"type": "string", "minLength": 1},
		"topic": {"type": "string", "minLength": 1},
		"body": {"type": "object"}
	}
}`

var compiledSchema *jsonschema.Schema

func init() {
	s, err := jsonschema.CompileString("envelope.json", envelopeSchemaDoc)
	if err != nil {
		panic(fmt.Sprintf("envelope: invalid embedded schema: %v", err))
	}
	compiledSchema = s
}

// ValidateShape checks raw inbound JSON against the envelope schema before
// it is unmarshaled into an Envelope. Event Ingress calls this ahead of
// Envelope.Validate so schema violations (wrong types, missing fields) are
// reported distinctly from semantic ones (udm body without old/new).
func ValidateShape(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return fmt.Errorf("envelope schema violation: %w", err)
	}
	return nil
}
