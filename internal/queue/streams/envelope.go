package streams

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stream names for the document pipeline. Each stage consumes its own
// stream and publishes to the next one on success.
const (
	StreamIngest     = "doc.ingest"
	StreamSummarize  = "doc.summarize"
	StreamSynthesize = "doc.synthesize"
)

// Event types carried in envelopes.
const (
	EventDocumentIngest     = "document.ingest"
	EventDocumentSummarize  = "document.summarize"
	EventDocumentSynthesize = "document.synthesize"
)

// PayloadVersionV1 is the only payload version currently in circulation.
const PayloadVersionV1 = "v1"

// DocumentEvent is the payload for every pipeline stage event.
type DocumentEvent struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
}

// Envelope represents the canonical message wrapper persisted to Redis Streams.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Attempt        int             `json:"attempt"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// ValidateBasic ensures mandatory envelope fields are present.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.PayloadVersion == "" {
		return fmt.Errorf("payload_version is required")
	}
	if e.Attempt < 0 {
		return fmt.Errorf("attempt must be >= 0")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// Marshal returns the JSON encoding of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeDocumentEvent extracts the document payload from an envelope.
func (e *Envelope) DecodeDocumentEvent() (DocumentEvent, error) {
	var ev DocumentEvent
	if err := json.Unmarshal(e.Data, &ev); err != nil {
		return ev, fmt.Errorf("decode document event: %w", err)
	}
	if ev.DocumentID == "" {
		return ev, fmt.Errorf("document_id is required")
	}
	return ev, nil
}

// UnmarshalEnvelope parses JSON bytes into an Envelope and validates required fields.
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
