package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects T into a JSON schema object suitable for a
// function definition, and reports its required fields.
func GenerateSchema[T any]() (map[string]any, []string) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		ExpandedStruct:            true,
	}
	schema := reflector.Reflect(new(T))

	params := map[string]any{}
	if raw, err := json.Marshal(schema); err == nil {
		_ = json.Unmarshal(raw, &params)
	}
	delete(params, "$schema")
	delete(params, "$id")
	params["type"] = "object"
	if _, ok := params["properties"]; !ok {
		params["properties"] = map[string]any{}
	}

	return params, append([]string(nil), schema.Required...)
}
