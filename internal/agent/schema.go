package agent

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// outputSchema is the worker output contract. Extra keys are rejected.
const outputSchema = `{
  "type": "object",
  "properties": {
    "query":       {"type": "string"},
    "explanation": {"type": "string"},
    "code":        {"type": ["string", "null"]}
  },
  "required": ["query", "explanation"],
  "additionalProperties": false
}`

var schemaLoader = gojsonschema.NewStringLoader(outputSchema)

// validateOutput checks raw JSON bytes against the output contract.
func validateOutput(doc []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			msgs[i] = e.String()
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
	}
	return nil
}
