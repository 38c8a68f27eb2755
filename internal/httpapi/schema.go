package httpapi

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// webhookSchemaJSON validates the inbound webhook body before the core ever
// sees it: data.id must be a non-empty string, data.object must be a page,
// and data.properties must be present and an object. A delivery with no
// properties at all would default to sync-enabled and enqueue a contentless
// task, so its absence is malformed input.
const webhookSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["data"],
	"properties": {
		"event_type": {"type": "string"},
		"source": {"type": "object"},
		"data": {
			"type": "object",
			"required": ["id", "object", "properties"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"object": {"const": "page"},
				"properties": {"type": "object"}
			}
		}
	}
}`

func newWebhookSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("notion-webhook.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("notion-webhook.json")
}

// validateWebhookBody checks raw against the webhook schema and returns a
// caller-facing detail message on failure.
func validateWebhookBody(schema *jsonschema.Schema, raw []byte) error {
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return err
	}
	return nil
}
