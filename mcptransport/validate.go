package mcptransport

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mosaicflow/orchestrator/coreerr"
)

// validateArguments checks arguments against the tool's cached input
// schema before dispatching the call, so malformed input never reaches the
// tool server (spec §7 ToolInputInvalid), grounded on the teacher's
// validatePayloadJSONAgainstSchema (registry/service.go).
func validateArguments(spec ToolSpec, arguments json.RawMessage) error {
	if len(spec.InputSchema) == 0 {
		return nil
	}

	var schemaDoc any
	if err := json.Unmarshal(spec.InputSchema, &schemaDoc); err != nil {
		return coreerr.Wrap(coreerr.ToolInputInvalid, "tool input schema is not valid JSON", err)
	}
	var argsDoc any
	if len(arguments) == 0 {
		argsDoc = map[string]any{}
	} else if err := json.Unmarshal(arguments, &argsDoc); err != nil {
		return coreerr.Wrap(coreerr.ToolInputInvalid, "tool arguments are not valid JSON", err)
	}

	c := jsonschema.NewCompiler()
	resourceID := fmt.Sprintf("tool/%s/schema.json", spec.Name)
	if err := c.AddResource(resourceID, schemaDoc); err != nil {
		return coreerr.Wrap(coreerr.ToolInputInvalid, "tool input schema could not be loaded", err)
	}
	schema, err := c.Compile(resourceID)
	if err != nil {
		return coreerr.Wrap(coreerr.ToolInputInvalid, "tool input schema failed to compile", err)
	}
	if err := schema.Validate(argsDoc); err != nil {
		return coreerr.Wrap(coreerr.ToolInputInvalid, "tool arguments failed schema validation", err)
	}
	return nil
}
