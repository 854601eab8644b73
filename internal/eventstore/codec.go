package eventstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/google/uuid"
)

// storedPayload is the data part of a record; metadata is stored apart.
type storedPayload struct {
	Kind        domain.EventKind            `json:"event_type"`
	Transaction domain.FinancialTransaction `json:"payment_operation"`
}

// EncodeRecord serialises an event into a record for stream.
func EncodeRecord(stream string, ev domain.PaymentOperationEvent) (Record, error) {
	data, err := json.Marshal(storedPayload{Kind: ev.Kind, Transaction: ev.Transaction})
	if err != nil {
		return Record{}, fmt.Errorf("EncodeRecord: marshal data: %w", err)
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return Record{}, fmt.Errorf("EncodeRecord: marshal metadata: %w", err)
	}
	return Record{
		EventID:   uuid.New(),
		Stream:    stream,
		EventType: domain.EventType(ev.Kind, ev.Transaction.Key),
		Data:      data,
		Metadata:  meta,
	}, nil
}

// DecodeRecord restores an event and stamps it with processedAt.
// The event type carried by the record is authoritative for the kind.
func DecodeRecord(r Record, processedAt time.Time) (domain.PaymentOperationEvent, error) {
	var payload storedPayload
	if err := json.Unmarshal(r.Data, &payload); err != nil {
		return domain.PaymentOperationEvent{}, fmt.Errorf("DecodeRecord: %s@%d: unmarshal data: %w", r.Stream, r.StreamPosition, err)
	}

	ev := domain.PaymentOperationEvent{
		Kind:        payload.Kind,
		Transaction: payload.Transaction,
		ProcessedAt: processedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &ev.Metadata); err != nil {
			return domain.PaymentOperationEvent{}, fmt.Errorf("DecodeRecord: %s@%d: unmarshal metadata: %w", r.Stream, r.StreamPosition, err)
		}
	}

	if r.EventType != "" {
		kind, key, err := domain.ParseEventType(r.EventType)
		if err != nil {
			return domain.PaymentOperationEvent{}, fmt.Errorf("DecodeRecord: %s@%d: %w", r.Stream, r.StreamPosition, err)
		}
		if key != ev.Transaction.Key {
			return domain.PaymentOperationEvent{}, fmt.Errorf("DecodeRecord: %s@%d: %w: event type key %s does not match payload key %s",
				r.Stream, r.StreamPosition, domain.ErrValidation, key, ev.Transaction.Key)
		}
		ev.Kind = kind
	}

	return ev, nil
}

// withMetadata re-encodes the metadata part of r.
func withMetadata(r Record, meta domain.EventMetadata) (Record, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return Record{}, fmt.Errorf("withMetadata: %w", err)
	}
	r.Metadata = raw
	return r, nil
}

// metadataOf decodes the metadata part of r. Empty metadata is the zero
// value.
func metadataOf(r Record) (domain.EventMetadata, error) {
	var meta domain.EventMetadata
	if len(r.Metadata) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(r.Metadata, &meta); err != nil {
		return domain.EventMetadata{}, fmt.Errorf("metadataOf: %s event %s: %w", r.Stream, r.EventID, err)
	}
	return meta, nil
}
