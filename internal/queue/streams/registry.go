package streams

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownSchema is returned for events with no registered schema.
var ErrUnknownSchema = errors.New("unknown event schema")

type schemaKey struct {
	eventType string
	version   string
}

func (k schemaKey) String() string { return k.eventType + "@" + k.version }

// SchemaRegistry holds the compiled payload schemas of the ingestion events.
// Formats such as uuid and date-time are asserted, not just annotated.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[schemaKey]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[schemaKey]*jsonschema.Schema)}
}

// Register compiles def and makes it available to Validate.
func (r *SchemaRegistry) Register(def Definition) error {
	if def.EventType == "" || def.Version == "" {
		return fmt.Errorf("event type and version must be provided")
	}
	if len(def.Schema) == 0 {
		return fmt.Errorf("schema for %s@%s is empty", def.EventType, def.Version)
	}
	key := schemaKey{def.EventType, def.Version}

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	url := key.String() + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(def.Schema)); err != nil {
		return fmt.Errorf("add schema %s: %w", key, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", key, err)
	}

	r.mu.Lock()
	r.schemas[key] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks an event payload against its registered schema.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	key := schemaKey{eventType, version}
	r.mu.RLock()
	schema, ok := r.schemas[key]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, key)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%s: payload is empty", key)
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%s: decode payload: %w", key, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
