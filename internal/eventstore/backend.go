// Package eventstore provides the append-only payment-operation log: a
// resilient write client, a lazy read client, and the backend contract the
// concrete stores implement.
package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStreamNotFound is returned by backends for reads of unknown streams.
	// The read client turns it into an empty sequence.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrEmptyBatch rejects an append with nothing to append.
	ErrEmptyBatch = errors.New("empty event batch")
	// ErrClosed is returned by a backend after Close.
	ErrClosed = errors.New("event store closed")
)

// DefaultDeadLetterStream receives events whose appends exhausted retries.
const DefaultDeadLetterStream = "payment-operations-dead-letter"

// Record is one stored event as the backend sees it.
type Record struct {
	EventID        uuid.UUID
	Stream         string
	StreamPosition uint64
	GlobalPosition uint64
	EventType      string
	Data           []byte
	Metadata       []byte
	CreatedAt      time.Time
}

// Backend is a durable, ordered, append-only store of named streams.
type Backend interface {
	// Append writes records to the end of stream atomically, in order.
	// Positions are assigned by the backend.
	Append(ctx context.Context, stream string, records []Record) error

	// Read returns up to limit records of stream starting at position from.
	// Unknown streams return ErrStreamNotFound.
	Read(ctx context.Context, stream string, from uint64, limit int) ([]Record, error)

	// Streams lists the stream names starting with prefix, sorted.
	Streams(ctx context.Context, prefix string) ([]string, error)

	// Subscribe delivers records appended after the call. An empty stream
	// subscribes to every stream.
	Subscribe(ctx context.Context, stream string) (Subscription, error)

	// Close releases the backend's resources.
	Close() error
}

// Subscription is a live feed of appended records.
type Subscription interface {
	// Records is closed when the subscription ends.
	Records() <-chan Record
	// Err reports why Records was closed; nil after Close or cancellation.
	Err() error
	// Close stops the subscription and releases resources.
	Close() error
}
