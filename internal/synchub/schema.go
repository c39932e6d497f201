package synchub

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Inbound messages come from arbitrary clients, so they are validated
// against a schema before dispatch instead of trusting the decoder's
// zero values.
const inboundSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"enum": ["join_file", "leave_file", "operation", "request_operations"]}
	},
	"allOf": [
		{
			"if": {"properties": {"type": {"const": "join_file"}}},
			"then": {
				"required": ["fileName"],
				"properties": {"fileName": {"type": "string", "minLength": 1}}
			}
		},
		{
			"if": {"properties": {"type": {"const": "operation"}}},
			"then": {
				"required": ["operation"],
				"properties": {
					"operation": {
						"type": "object",
						"required": ["id", "kind", "itemId"],
						"properties": {
							"id": {"type": "string", "minLength": 1},
							"kind": {"enum": ["create", "delete", "move", "set_property", "split", "merge"]},
							"itemId": {"type": "string", "minLength": 1}
						}
					}
				}
			}
		},
		{
			"if": {"properties": {"type": {"const": "request_operations"}}},
			"then": {
				"properties": {"sinceSeq": {"type": "integer", "minimum": 0}}
			}
		}
	]
}`

var (
	inboundSchemaOnce sync.Once
	inboundCompiled   *jsonschema.Schema
	inboundSchemaErr  error
)

func compiledInboundSchema() (*jsonschema.Schema, error) {
	inboundSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(inboundSchema))
		if err != nil {
			inboundSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("inbound.json", doc); err != nil {
			inboundSchemaErr = err
			return
		}
		inboundCompiled, inboundSchemaErr = compiler.Compile("inbound.json")
	})
	return inboundCompiled, inboundSchemaErr
}

// validateInbound checks a raw client message against the protocol schema.
func validateInbound(raw []byte) error {
	sch, err := compiledInboundSchema()
	if err != nil {
		return fmt.Errorf("compile inbound schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}
	return sch.Validate(inst)
}
