package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTripThroughMessage(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 30, 0, 123, time.UTC)
	payload := map[string]string{"account_id": "acct-1"}

	env, err := NewEnvelope(MessageTypeSetAccountBalance, "sync-orchestrator", "acct-1", payload, now)
	require.NoError(t, err)

	headers := env.Headers()
	assert.Equal(t, MessageTypeSetAccountBalance, headers[HeaderMessageType])
	assert.Equal(t, SchemaVersion, headers[HeaderSchemaVersion])
	assert.Equal(t, "sync-orchestrator", headers[HeaderHandler])
	assert.Equal(t, env.ID.String(), headers[HeaderEnvelopeID])
	assert.Equal(t, "2024-03-01T10:30:00.000000123Z", headers[HeaderOccurredOn])

	got, err := EnvelopeFromMessage(Message{Key: []byte(env.Key), Value: env.Payload, Headers: headers})
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.True(t, now.Equal(got.OccurredOn))
	assert.Equal(t, "acct-1", got.Key)

	var decoded map[string]string
	require.NoError(t, got.Decode(&decoded))
	assert.Equal(t, payload, decoded)
}

func TestEnvelopeFromMessage_Errors(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"bad envelope id", map[string]string{HeaderEnvelopeID: "nope"}},
		{"bad timestamp", map[string]string{HeaderOccurredOn: "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EnvelopeFromMessage(Message{Headers: tt.headers, Value: []byte(`{}`)})
			assert.Error(t, err)
		})
	}
}

func TestEnvelope_DecodeEmptyPayload(t *testing.T) {
	var v map[string]any
	assert.Error(t, Envelope{MessageType: MessageTypePaymentOperation}.Decode(&v))
}
