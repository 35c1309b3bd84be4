package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/propagation"
)

// traceContext carries the W3C traceparent/tracestate pair between the
// process that publishes an event and the worker that handles it.
var traceContext = propagation.TraceContext{}

// Envelope wraps every event appended to an ingestion stream.
type Envelope struct {
	EventID        string            `json:"event_id"`
	EventType      string            `json:"event_type"`
	OccurredAt     time.Time         `json:"occurred_at"`
	PayloadVersion string            `json:"payload_version"`
	Trace          map[string]string `json:"trace,omitempty"`
	Data           json.RawMessage   `json:"data"`

	// Attempt is the delivery count reported by the consumer group. It is
	// never serialised; 1 means first delivery.
	Attempt int `json:"-"`
}

// InjectTrace records the span context of ctx on the envelope. It is a no-op
// when ctx carries no valid span context.
func (e *Envelope) InjectTrace(ctx context.Context) {
	carrier := propagation.MapCarrier{}
	traceContext.Inject(ctx, carrier)
	if len(carrier) > 0 {
		e.Trace = map[string]string(carrier)
	}
}

// ExtractTrace returns ctx with the publisher's span context attached as the
// remote parent, so spans started from it join the publisher's trace.
func (e Envelope) ExtractTrace(ctx context.Context) context.Context {
	if len(e.Trace) == 0 {
		return ctx
	}
	return traceContext.Extract(ctx, propagation.MapCarrier(e.Trace))
}

// ValidateBasic checks the fields every event must carry and stamps
// OccurredAt when it is missing.
func (e *Envelope) ValidateBasic() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("event_id is required")
	case e.EventType == "":
		return fmt.Errorf("event_type is required")
	case e.PayloadVersion == "":
		return fmt.Errorf("payload_version is required")
	case len(e.Data) == 0:
		return fmt.Errorf("data payload is required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return nil
}

func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a stream entry value into an Envelope.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}
