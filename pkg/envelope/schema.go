package envelope

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry holds per-type JSON Schemas for command and event payloads.
// The generic substrate never validates payload shape; handlers (or the
// runtime on their behalf) consult this registry so each payload is checked
// against the schema registered for its type. Types without a registered
// schema pass unchecked.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry creates an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles and stores a JSON Schema for the given command or event
// type. Re-registering a type replaces the previous schema.
func (r *SchemaRegistry) Register(typeName, schemaJSON string) error {
	compiled, err := jsonschema.CompileString(typeName+".schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("schema for %s: %w", typeName, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[typeName] = compiled
	return nil
}

// Validate checks a payload against the schema registered for typeName.
// Returns a ValidationError on mismatch, nil when valid or when no schema is
// registered for the type.
func (r *SchemaRegistry) Validate(typeName string, payload map[string]interface{}) error {
	r.mu.RLock()
	schema := r.schemas[typeName]
	r.mu.RUnlock()

	if schema == nil {
		return nil
	}

	// jsonschema only accepts trees produced by encoding/json, so round-trip
	// the payload; in-process maps may hold Go ints and struct values.
	raw, err := json.Marshal(payload)
	if err != nil {
		return &ValidationError{
			Field:   "payload",
			Code:    "NOT_SERIALIZABLE",
			Message: fmt.Sprintf("payload for %s is not JSON-serializable: %v", typeName, err),
		}
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("schema validate %s: %w", typeName, err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	if err := schema.Validate(doc); err != nil {
		return &ValidationError{
			Field:   "payload",
			Code:    "SCHEMA_MISMATCH",
			Message: fmt.Sprintf("payload does not match schema for %s: %v", typeName, err),
		}
	}
	return nil
}

// Types returns the registered type names, sorted.
func (r *SchemaRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
