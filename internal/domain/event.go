package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventKind is the lifecycle action an event represents.
type EventKind string

const (
	EventKindAdd    EventKind = "Add"
	EventKindUpdate EventKind = "Update"
	EventKindRemove EventKind = "Remove"
)

// ParseEventKind accepts the canonical names case-insensitively.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "add":
		return EventKindAdd, nil
	case "update":
		return EventKindUpdate, nil
	case "remove":
		return EventKindRemove, nil
	}
	return "", fmt.Errorf("%w: unknown event kind %q", ErrValidation, s)
}

// EventMetadata travels with the stored event, never with the business payload.
type EventMetadata struct {
	CorrelationID  string `json:"correlation_id,omitempty"`
	RetryCount     int    `json:"retry_count"`
	Exception      string `json:"exception,omitempty"`
	OriginalStream string `json:"original_stream,omitempty"`
}

// PaymentOperationEvent wraps a transaction with the action applied to it.
// ProcessedAt is stamped by the read path.
type PaymentOperationEvent struct {
	Kind        EventKind            `json:"event_type"`
	Transaction FinancialTransaction `json:"payment_operation"`
	Metadata    EventMetadata        `json:"metadata"`
	ProcessedAt time.Time            `json:"processed_at,omitempty"`
}

// Validate checks the envelope and its transaction.
func (e PaymentOperationEvent) Validate() error {
	switch e.Kind {
	case EventKindAdd, EventKindUpdate:
		if e.Transaction.OperationDay.IsZero() {
			return fmt.Errorf("%w: operation day is required for %s", ErrValidation, e.Kind)
		}
		if !e.Transaction.OperationDay.IsValid() {
			return fmt.Errorf("%w: invalid operation day %s", ErrValidation, e.Transaction.OperationDay)
		}
	case EventKindRemove:
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrValidation, e.Kind)
	}
	return e.Transaction.Validate()
}

// EventType builds the store-side event type name "{kind}_{key}".
func EventType(kind EventKind, key uuid.UUID) string {
	return string(kind) + "_" + key.String()
}

// ParseEventType splits an event type produced by EventType.
func ParseEventType(eventType string) (EventKind, uuid.UUID, error) {
	kindPart, keyPart, ok := strings.Cut(eventType, "_")
	if !ok {
		return "", uuid.Nil, fmt.Errorf("%w: malformed event type %q", ErrValidation, eventType)
	}
	kind, err := ParseEventKind(kindPart)
	if err != nil {
		return "", uuid.Nil, err
	}
	key, err := uuid.Parse(keyPart)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("%w: malformed operation key in %q: %v", ErrValidation, eventType, err)
	}
	return kind, key, nil
}
