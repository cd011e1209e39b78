package docketwise

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// matterSchemaJSON validates one upstream matter record before it is
// mapped into the canonical store. A record failing validation is skipped
// and counted, never persisted half-parsed.
const matterSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "title", "status"],
	"properties": {
		"id": {"type": ["string", "integer"]},
		"title": {"type": "string", "minLength": 1},
		"client_name": {"type": "string"},
		"matter_type": {"type": "string"},
		"status": {"type": "string", "minLength": 1},
		"deadline": {"type": ["string", "null"]},
		"updated_at": {"type": ["string", "null"]}
	}
}`

func compileMatterSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(matterSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("matter.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("matter.json")
}
