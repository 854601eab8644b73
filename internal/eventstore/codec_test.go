package eventstore

import (
	"testing"

	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataOf(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		want    domain.EventMetadata
		wantErr bool
	}{
		{name: "empty", raw: nil, want: domain.EventMetadata{}},
		{name: "stored", raw: []byte(`{"correlation_id":"c-1","retry_count":2}`), want: domain.EventMetadata{CorrelationID: "c-1", RetryCount: 2}},
		{name: "corrupt", raw: []byte(`{"retry_count":`), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := metadataOf(Record{EventID: uuid.New(), Stream: "acct-1-2024-01", Metadata: tt.raw})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
