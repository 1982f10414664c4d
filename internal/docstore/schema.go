package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const metadataSchemaURL = "relaydoc://metadata.schema.json"

const metadataSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "maxProperties": 64,
  "propertyNames": {"maxLength": 128},
  "properties": {
    "title":         {"type": "string", "maxLength": 1024},
    "created":       {"type": "string"},
    "lastOpened":    {"type": "string"},
    "lastUpdated":   {"type": "string"},
    "lastUpdatedBy": {"type": "string"},
    "updatedBy":     {"type": "string"}
  }
}`

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

var (
	compiledSchemaOnce sync.Once
	compiledSchema     *jsonschema.Schema
	compiledSchemaErr  error
)

func metadataValidator() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(metadataSchema))
		if err != nil {
			compiledSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(metadataSchemaURL, doc); err != nil {
			compiledSchemaErr = err
			return
		}
		compiledSchema, compiledSchemaErr = c.Compile(metadataSchemaURL)
	})
	return compiledSchema, compiledSchemaErr
}

// validateMetadata checks a metadata patch. Null values are deletions and
// are not validated.
func validateMetadata(md Metadata) error {
	if len(md) == 0 {
		return nil
	}
	sch, err := metadataValidator()
	if err != nil {
		return fmt.Errorf("metadata schema: %w", err)
	}
	present := make(map[string]any, len(md))
	for k, v := range md {
		if v != nil {
			present[k] = v
		}
	}
	raw, err := json.Marshal(present)
	if err != nil {
		return &ValidationError{Field: "metadata", Reason: err.Error()}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Field: "metadata", Reason: err.Error()}
	}
	if err := sch.Validate(inst); err != nil {
		return &ValidationError{Field: "metadata", Reason: err.Error()}
	}
	return nil
}
