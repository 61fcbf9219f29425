package envelope

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agent-ci/agentexec-go/internal/taskerr"
)

// wireShapeJSON constrains the envelope's wire shape independent of any
// task-specific context/result type: three required top-level fields,
// and a tagged-record shape for context. Validating this once at the
// boundary catches a malformed or non-Go producer writing directly to
// the backend with a precise error, instead of a generic unmarshal
// failure deep inside Untag[T].
const wireShapeJSON = `{
  "type": "object",
  "required": ["task_name", "context", "agent_id"],
  "properties": {
    "task_name": {"type": "string", "minLength": 1},
    "agent_id": {"type": "string", "minLength": 1},
    "context": {
      "type": "object",
      "required": ["__schema__", "__data__"],
      "properties": {
        "__schema__": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var (
	wireShapeOnce   sync.Once
	wireShape       *jsonschema.Schema
	wireShapeCompileErr error
)

func compiledWireShape() (*jsonschema.Schema, error) {
	wireShapeOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(wireShapeJSON))
		if err != nil {
			wireShapeCompileErr = fmt.Errorf("unmarshal envelope wire schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("envelope.json", doc); err != nil {
			wireShapeCompileErr = fmt.Errorf("add envelope wire schema resource: %w", err)
			return
		}
		wireShape, wireShapeCompileErr = c.Compile("envelope.json")
	})
	return wireShape, wireShapeCompileErr
}

// validateWireShape checks data against the envelope's structural shape
// before Deserialize attempts to unmarshal it into an Envelope. A shape
// violation fails with ErrSerialization, same as any other malformed-wire
// failure in this package.
func validateWireShape(data []byte) error {
	schema, err := compiledWireShape()
	if err != nil {
		return fmt.Errorf("%w: envelope schema: %v", taskerr.ErrSerialization, err)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("%w: envelope is not valid JSON: %v", taskerr.ErrSerialization, err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("%w: envelope does not match expected shape: %v", taskerr.ErrSerialization, err)
	}
	return nil
}
