// Package broker supervises the pool of message-broker consumers for a
// topic: creation, subscription, bounded concurrent processing with
// commit-after-success, lag-driven resubscription and shutdown.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConsumerClosed is fatal for a consume loop: the client was disposed.
	ErrConsumerClosed = errors.New("consumer closed")
	// ErrTransient marks broker errors worth a delayed re-poll, such as an
	// unknown topic or partition during a leader change.
	ErrTransient = errors.New("transient broker error")
	// ErrUnknownKind is returned when no factory is registered for a kind.
	ErrUnknownKind = errors.New("unknown consumer kind")
)

// IsTransient reports whether err is marked with ErrTransient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Message is one record received from the broker.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func (m Message) String() string {
	return fmt.Sprintf("%s[%d]@%d", m.Topic, m.Partition, m.Offset)
}

// Consumer is one broker client owning its own connection.
type Consumer interface {
	ID() string
	Subscribe(ctx context.Context, topic string) error
	// Poll waits briefly for messages. An empty result is not an error.
	Poll(ctx context.Context) ([]Message, error)
	// Commit acknowledges fully handled messages.
	Commit(ctx context.Context, msgs ...Message) error
	// Redeliver rewinds msg's partition so msg and every later message of
	// it is polled again.
	Redeliver(ctx context.Context, msg Message) error
	Unsubscribe(ctx context.Context) error
	Close() error
}

// Handler processes one message. A nil return allows the commit.
type Handler func(ctx context.Context, msg Message) error

// ConsumerKind selects which consumer implementation a supervisor builds.
type ConsumerKind int

const (
	KindPaymentOperations ConsumerKind = iota + 1
	KindBalanceCommands
)

func (k ConsumerKind) String() string {
	switch k {
	case KindPaymentOperations:
		return "payment-operations"
	case KindBalanceCommands:
		return "balance-commands"
	}
	return fmt.Sprintf("ConsumerKind(%d)", int(k))
}

// Factory creates an unsubscribed consumer with the given id.
type Factory func(ctx context.Context, id string) (Consumer, error)

// Factories maps consumer kinds to their constructors.
type Factories map[ConsumerKind]Factory

// Resolve returns the factory for kind.
func (f Factories) Resolve(kind ConsumerKind) (Factory, error) {
	factory, ok := f[kind]
	if !ok || factory == nil {
		return nil, fmt.Errorf("Resolve: %w: %s", ErrUnknownKind, kind)
	}
	return factory, nil
}

// LagStatus is the consumer-group view of one topic.
type LagStatus struct {
	// Lag is the total uncommitted messages over the topic's partitions.
	Lag int64
	// Assigned reports whether any group member owns a partition of the topic.
	Assigned bool
}

// LagInspector reports group lag per topic.
type LagInspector interface {
	Inspect(ctx context.Context, group, topic string) (LagStatus, error)
}
