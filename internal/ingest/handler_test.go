package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/allmantool/hbudget-ledger/internal/broker"
	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/allmantool/hbudget-ledger/internal/eventstore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type appendCall struct {
	event  domain.PaymentOperationEvent
	stream string
	kind   domain.EventKind
}

type mockAppender struct {
	AppendFunc func(ctx context.Context, event domain.PaymentOperationEvent, stream string, kind domain.EventKind) error
	calls      []appendCall
}

func (m *mockAppender) Append(ctx context.Context, event domain.PaymentOperationEvent, stream string, kind domain.EventKind) error {
	m.calls = append(m.calls, appendCall{event: event, stream: stream, kind: kind})
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, event, stream, kind)
	}
	return nil
}

func paymentEvent(kind domain.EventKind) domain.PaymentOperationEvent {
	return domain.PaymentOperationEvent{
		Kind: kind,
		Transaction: domain.FinancialTransaction{
			Key:          uuid.New(),
			AccountID:    "acct-1",
			Amount:       decimal.RequireFromString("9.99"),
			CategoryID:   "groceries",
			OperationDay: civil.Date{Year: 2024, Month: time.March, Day: 31},
			Kind:         domain.TransactionKindPayment,
		},
	}
}

func messageOf(t *testing.T, ev domain.PaymentOperationEvent) broker.Message {
	t.Helper()
	env, err := broker.NewEnvelope(broker.MessageTypePaymentOperation, "api", ev.Transaction.Key.String(), ev, time.Now())
	require.NoError(t, err)
	return broker.Message{Topic: "payments", Key: []byte(env.Key), Value: env.Payload, Headers: env.Headers()}
}

func newTestHandler(appender Appender) *Handler {
	h := NewHandler(appender, zerolog.Nop())
	h.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return h
}

func TestHandler_AppendsToBusinessMonthStream(t *testing.T) {
	appender := &mockAppender{}
	h := newTestHandler(appender)
	ev := paymentEvent(domain.EventKindUpdate)

	require.NoError(t, h.Handle(context.Background(), messageOf(t, ev)))

	require.Len(t, appender.calls, 1)
	call := appender.calls[0]
	assert.Equal(t, "acct-1-2024-03", call.stream)
	assert.Equal(t, domain.EventKindUpdate, call.kind)
	assert.Equal(t, ev.Transaction.Key, call.event.Transaction.Key)
	assert.Equal(t, int64(1700000000000), call.event.Transaction.IngestionTimestamp)
}

func TestHandler_KeepsExistingIngestionTimestamp(t *testing.T) {
	appender := &mockAppender{}
	h := newTestHandler(appender)
	ev := paymentEvent(domain.EventKindAdd)
	ev.Transaction.IngestionTimestamp = 42

	require.NoError(t, h.Handle(context.Background(), messageOf(t, ev)))

	require.Len(t, appender.calls, 1)
	assert.Equal(t, int64(42), appender.calls[0].event.Transaction.IngestionTimestamp)
}

func TestHandler_AcknowledgesPoisonMessages(t *testing.T) {
	invalid := paymentEvent(domain.EventKindAdd)
	invalid.Transaction.AccountID = ""

	noDay := paymentEvent(domain.EventKindRemove)
	noDay.Transaction.OperationDay = civil.Date{}

	wrongType := messageOf(t, paymentEvent(domain.EventKindAdd))
	wrongType.Headers[broker.HeaderMessageType] = broker.MessageTypeSetAccountBalance

	tests := []struct {
		name string
		msg  broker.Message
	}{
		{"not json", broker.Message{Value: []byte("{")}},
		{"empty", broker.Message{}},
		{"invalid account", messageOf(t, invalid)},
		{"remove without day", messageOf(t, noDay)},
		{"wrong message type", wrongType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appender := &mockAppender{}
			h := newTestHandler(appender)

			assert.NoError(t, h.Handle(context.Background(), tt.msg))
			assert.Empty(t, appender.calls)
		})
	}
}

func TestHandler_StoreFailureIsReturned(t *testing.T) {
	boom := errors.New("store unavailable")
	appender := &mockAppender{AppendFunc: func(context.Context, domain.PaymentOperationEvent, string, domain.EventKind) error {
		return boom
	}}
	h := newTestHandler(appender)

	err := h.Handle(context.Background(), messageOf(t, paymentEvent(domain.EventKindAdd)))
	assert.ErrorIs(t, err, boom)
}

func TestHandler_AcknowledgesParkedEvents(t *testing.T) {
	boom := errors.New("store unavailable")
	tests := []struct {
		name         string
		deadLettered bool
		wantErr      bool
	}{
		{"dead-lettered", true, false},
		{"lost", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appender := &mockAppender{AppendFunc: func(context.Context, domain.PaymentOperationEvent, string, domain.EventKind) error {
				return fmt.Errorf("AppendBatch: %w", &eventstore.AppendError{Stream: "acct-1-2024-03", Attempts: 4, DeadLettered: tt.deadLettered, Err: boom})
			}}
			h := newTestHandler(appender)

			err := h.Handle(context.Background(), messageOf(t, paymentEvent(domain.EventKindAdd)))
			if tt.wantErr {
				assert.ErrorIs(t, err, boom)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDecode_AcceptsBareJSON(t *testing.T) {
	ev := paymentEvent(domain.EventKindAdd)
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	got, err := Decode(broker.Message{Value: raw})
	require.NoError(t, err)
	assert.Equal(t, ev.Transaction.Key, got.Transaction.Key)
	assert.True(t, ev.Transaction.Amount.Equal(got.Transaction.Amount))
}
