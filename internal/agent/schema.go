package agent

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives a JSON Schema for a tool's input struct from its json and
// jsonschema struct tags. Definitions are inlined and $schema/$id stripped so
// the result can be handed to providers as-is. A type that cannot be reflected
// is a programmer error and panics.
func SchemaFor[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("agent: schema reflection for %T failed: %v", *new(T), err))
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("agent: schema reflection for %T failed: %v", *new(T), err))
	}
	delete(m, "$schema")
	delete(m, "$id")

	out, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("agent: schema reflection for %T failed: %v", *new(T), err))
	}
	return out
}
