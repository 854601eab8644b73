package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Header names carried by every published message.
const (
	HeaderMessageType   = "message-type"
	HeaderSchemaVersion = "schema-version"
	HeaderHandler       = "handler"
	HeaderEnvelopeID    = "envelope-id"
	HeaderOccurredOn    = "occurred-on"
)

// SchemaVersion is stamped on envelopes produced by this module.
const SchemaVersion = "1"

// Message type names.
const (
	MessageTypePaymentOperation  = "PaymentOperationEvent"
	MessageTypeSetAccountBalance = "SetAccountBalance"
)

// Envelope is the broker-level wrapper around a serialised payload.
type Envelope struct {
	ID            uuid.UUID
	MessageType   string
	SchemaVersion string
	Handler       string
	OccurredOn    time.Time
	Key           string
	Payload       json.RawMessage
}

// NewEnvelope serialises payload and stamps identity and time.
func NewEnvelope(messageType, handler, key string, payload any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("NewEnvelope: marshal %s: %w", messageType, err)
	}
	return Envelope{
		ID:            uuid.New(),
		MessageType:   messageType,
		SchemaVersion: SchemaVersion,
		Handler:       handler,
		OccurredOn:    now.UTC(),
		Key:           key,
		Payload:       raw,
	}, nil
}

// Headers renders the envelope attributes as message headers.
func (e Envelope) Headers() map[string]string {
	return map[string]string{
		HeaderMessageType:   e.MessageType,
		HeaderSchemaVersion: e.SchemaVersion,
		HeaderHandler:       e.Handler,
		HeaderEnvelopeID:    e.ID.String(),
		HeaderOccurredOn:    e.OccurredOn.Format(time.RFC3339Nano),
	}
}

// EnvelopeFromMessage reads the envelope back from a received message.
// Missing optional headers are tolerated; a malformed envelope id or
// timestamp is an error.
func EnvelopeFromMessage(m Message) (Envelope, error) {
	env := Envelope{
		MessageType:   m.Headers[HeaderMessageType],
		SchemaVersion: m.Headers[HeaderSchemaVersion],
		Handler:       m.Headers[HeaderHandler],
		Key:           string(m.Key),
		Payload:       json.RawMessage(m.Value),
		OccurredOn:    m.Timestamp,
	}
	if raw := m.Headers[HeaderEnvelopeID]; raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return Envelope{}, fmt.Errorf("EnvelopeFromMessage: %s: envelope id %q: %w", m, raw, err)
		}
		env.ID = id
	}
	if raw := m.Headers[HeaderOccurredOn]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Envelope{}, fmt.Errorf("EnvelopeFromMessage: %s: occurred-on %q: %w", m, raw, err)
		}
		env.OccurredOn = ts
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("Decode: empty %s payload", e.MessageType)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("Decode: %s: %w", e.MessageType, err)
	}
	return nil
}
