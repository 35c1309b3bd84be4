package streams

import "fmt"

const (
	// EventIngestRequested asks a worker to run ingestion for one document.
	EventIngestRequested = "ingest.requested"
	// EventIngestFinished reports the terminal status of an ingestion run.
	EventIngestFinished = "ingest.finished"
)

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventIngestRequested,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["document_id", "file_path", "mime_type"],
  "properties": {
    "document_id": {"type": "string", "format": "uuid"},
    "file_path": {"type": "string", "minLength": 1},
    "mime_type": {"type": "string", "enum": ["text/plain", "application/pdf"]},
    "requested_at": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": false
}`),
	},
	{
		EventType: EventIngestFinished,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["document_id", "status"],
  "properties": {
    "document_id": {"type": "string"},
    "status": {"type": "string", "enum": ["COMPLETED", "FAILED"]},
    "chunk_count": {"type": "integer", "minimum": 0},
    "failure_reason": {"type": "string"},
    "duration_ms": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": true
}`),
	},
}

// BaseDefinitions returns the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the ingestion event schemas into the provided registry.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
