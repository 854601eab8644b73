package spill

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/eventstore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockObjects struct {
	WriteFunc func(ctx context.Context, bucket, object string, data []byte) error

	objects map[string][]byte
}

func (m *mockObjects) Write(ctx context.Context, bucket, object string, data []byte) error {
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, bucket, object, data)
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects["gs://"+bucket+"/"+object] = data
	return nil
}

func (m *mockObjects) Read(_ context.Context, bucket, object string) ([]byte, error) {
	data, ok := m.objects["gs://"+bucket+"/"+object]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func TestSpill_RoundTripsThroughFetch(t *testing.T) {
	objects := &mockObjects{}
	s := NewSpiller(objects, "ledger-dlq", "/spill/", zerolog.Nop())
	s.now = func() time.Time { return time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC) }

	rec := eventstore.Record{
		EventID:   uuid.New(),
		Stream:    "acct-1-2024-02",
		EventType: "Add_" + uuid.NewString(),
		Data:      []byte(`{"event_type":"Add"}`),
		Metadata:  []byte(`{"retry_count":3}`),
		CreatedAt: time.Date(2024, 2, 3, 4, 0, 0, 0, time.UTC),
	}

	require.NoError(t, s.Spill(context.Background(), rec.Stream, []eventstore.Record{rec}, errors.New("store down")))
	require.Len(t, objects.objects, 1)

	var uri string
	for k := range objects.objects {
		uri = k
	}
	assert.True(t, strings.HasPrefix(uri, "gs://ledger-dlq/spill/acct-1-2024-02/2024/02/03/"), uri)

	env, err := s.Fetch(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, "store down", env.Cause)

	records := env.EventRecords()
	require.Len(t, records, 1)
	assert.Equal(t, rec.EventID, records[0].EventID)
	assert.Equal(t, rec.Stream, records[0].Stream)
	assert.JSONEq(t, string(rec.Data), string(records[0].Data))
	assert.JSONEq(t, string(rec.Metadata), string(records[0].Metadata))
}

func TestSpill_WriteFailure(t *testing.T) {
	writeErr := errors.New("bucket missing")
	s := NewSpiller(&mockObjects{WriteFunc: func(context.Context, string, string, []byte) error {
		return writeErr
	}}, "b", "", zerolog.Nop())

	err := s.Spill(context.Background(), "acct-1-2024-01", nil, nil)

	assert.ErrorIs(t, err, writeErr)
}

func TestParseGCSURI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		object  string
		wantErr bool
	}{
		{uri: "gs://bucket/a/b.json", bucket: "bucket", object: "a/b.json"},
		{uri: "gs://bucket", wantErr: true},
		{uri: "gs://bucket/", wantErr: true},
		{uri: "s3://bucket/a", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, object, err := ParseGCSURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.object, object)
		})
	}
}
