// Package spill keeps dead-lettered events that the event store itself
// refused, as JSON objects in a bucket, so they can be replayed later.
package spill

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/eventstore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Envelope is the content of one spilled object.
type Envelope struct {
	Stream    string          `json:"stream"`
	Cause     string          `json:"cause"`
	SpilledAt time.Time       `json:"spilled_at"`
	Records   []SpilledRecord `json:"records"`
}

// SpilledRecord is an event-store record with its JSON payloads kept as JSON.
type SpilledRecord struct {
	EventID   uuid.UUID       `json:"event_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventRecords converts the envelope back into records of its stream.
func (e Envelope) EventRecords() []eventstore.Record {
	out := make([]eventstore.Record, 0, len(e.Records))
	for _, r := range e.Records {
		out = append(out, eventstore.Record{
			EventID:   r.EventID,
			Stream:    e.Stream,
			EventType: r.EventType,
			Data:      []byte(r.Data),
			Metadata:  []byte(r.Metadata),
			CreatedAt: r.CreatedAt,
		})
	}
	return out
}

// Spiller writes dead letters to a bucket. It implements eventstore.Spiller.
type Spiller struct {
	objects ObjectStore
	bucket  string
	prefix  string
	now     func() time.Time
	log     zerolog.Logger
}

// NewSpiller creates a spiller writing under gs://bucket/prefix.
func NewSpiller(objects ObjectStore, bucket, prefix string, log zerolog.Logger) *Spiller {
	return &Spiller{
		objects: objects,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		now:     time.Now,
		log:     log,
	}
}

// Spill stores records as one object named after the stream and the day.
func (s *Spiller) Spill(ctx context.Context, stream string, records []eventstore.Record, cause error) error {
	env := Envelope{
		Stream:    stream,
		SpilledAt: s.now().UTC(),
		Records:   make([]SpilledRecord, 0, len(records)),
	}
	if cause != nil {
		env.Cause = cause.Error()
	}
	for _, r := range records {
		env.Records = append(env.Records, SpilledRecord{
			EventID:   r.EventID,
			EventType: r.EventType,
			Data:      rawJSON(r.Data),
			Metadata:  rawJSON(r.Metadata),
			CreatedAt: r.CreatedAt,
		})
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("Spill: marshal: %w", err)
	}

	object := s.objectName(stream, env.SpilledAt)
	if err := s.objects.Write(ctx, s.bucket, object, data); err != nil {
		return fmt.Errorf("Spill: %w", err)
	}

	s.log.Warn().
		Str("stream", stream).
		Int("records", len(records)).
		Str("uri", "gs://"+s.bucket+"/"+object).
		Msg("Dead letters spilled to object storage")
	return nil
}

// Fetch loads a spilled envelope by its gs:// URI.
func (s *Spiller) Fetch(ctx context.Context, uri string) (Envelope, error) {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return Envelope{}, fmt.Errorf("Fetch: %w", err)
	}
	data, err := s.objects.Read(ctx, bucket, object)
	if err != nil {
		return Envelope{}, fmt.Errorf("Fetch: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("Fetch: unmarshal %s: %w", uri, err)
	}
	return env, nil
}

func (s *Spiller) objectName(stream string, at time.Time) string {
	return path.Join(s.prefix, stream, at.Format("2006/01/02"), at.Format("150405.000000000")+"-"+uuid.NewString()+".json")
}

// ParseGCSURI splits "gs://bucket/path/to/object".
func ParseGCSURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
