// Package ingest turns broker messages into durable event-store appends.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/broker"
	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/allmantool/hbudget-ledger/internal/eventstore"
	"github.com/rs/zerolog"
)

// Appender is the write side of the event store.
type Appender interface {
	Append(ctx context.Context, event domain.PaymentOperationEvent, stream string, kind domain.EventKind) error
}

// Handler appends payment-operation messages to the stream of each
// transaction's business month.
type Handler struct {
	appender Appender
	log      zerolog.Logger
	now      func() time.Time
}

// NewHandler creates a handler writing through appender.
func NewHandler(appender Appender, log zerolog.Logger) *Handler {
	return &Handler{appender: appender, log: log, now: time.Now}
}

// Handle implements broker.Handler. Malformed or invalid messages are
// logged and acknowledged so they cannot block the partition, as are events
// the write client parked for replay. Other store failures are returned so
// the message is delivered again.
func (h *Handler) Handle(ctx context.Context, msg broker.Message) error {
	log := h.log.With().Str("message", msg.String()).Logger()

	ev, err := Decode(msg)
	if err != nil {
		log.Error().Err(err).Msg("Dropping undecodable message")
		return nil
	}
	if err := ev.Validate(); err != nil {
		log.Error().Err(err).Str("key", ev.Transaction.Key.String()).Msg("Dropping invalid event")
		return nil
	}

	if ev.Transaction.IngestionTimestamp == 0 {
		ev.Transaction.IngestionTimestamp = h.now().UnixMilli()
	}

	stream, err := StreamFor(ev)
	if err != nil {
		log.Error().Err(err).Str("key", ev.Transaction.Key.String()).Msg("Dropping event without a period")
		return nil
	}

	if err := h.appender.Append(ctx, ev, stream, ev.Kind); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			log.Error().Err(err).Msg("Dropping event rejected by the store")
			return nil
		}
		var appendErr *eventstore.AppendError
		if errors.As(err, &appendErr) && appendErr.DeadLettered {
			log.Warn().Err(err).Str("stream", stream).Msg("Event parked for replay, acknowledging")
			return nil
		}
		return fmt.Errorf("Handle: %s: %w", stream, err)
	}

	log.Debug().
		Str("stream", stream).
		Str("event_kind", string(ev.Kind)).
		Str("key", ev.Transaction.Key.String()).
		Msg("Event ingested")
	return nil
}

// Decode reads a payment-operation event from a message value.
func Decode(msg broker.Message) (domain.PaymentOperationEvent, error) {
	env, err := broker.EnvelopeFromMessage(msg)
	if err != nil {
		return domain.PaymentOperationEvent{}, fmt.Errorf("Decode: %w", err)
	}
	if env.MessageType != "" && env.MessageType != broker.MessageTypePaymentOperation {
		return domain.PaymentOperationEvent{}, fmt.Errorf("Decode: %w: unexpected message type %q", domain.ErrValidation, env.MessageType)
	}

	var ev domain.PaymentOperationEvent
	if err := env.Decode(&ev); err != nil {
		return domain.PaymentOperationEvent{}, fmt.Errorf("Decode: %w: %w", domain.ErrValidation, err)
	}
	return ev, nil
}

// StreamFor names the stream an event is appended to: the period of the
// transaction's current business date. A Remove without a date cannot be
// placed.
func StreamFor(ev domain.PaymentOperationEvent) (string, error) {
	if ev.Transaction.OperationDay.IsZero() {
		return "", fmt.Errorf("StreamFor: %w: operation day is required to place %s event %s",
			domain.ErrValidation, ev.Kind, ev.Transaction.Key)
	}
	return ev.Transaction.Period().StreamName(), nil
}
