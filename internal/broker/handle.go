package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// State is the lifecycle position of a consumer handle.
type State int32

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateConsuming
	StateUnsubscribing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateConsuming:
		return "consuming"
	case StateUnsubscribing:
		return "unsubscribing"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Handle is a registered consumer and the loop driving it.
type Handle struct {
	id       string
	topic    string
	kind     ConsumerKind
	consumer Consumer

	state atomic.Int32

	cancel context.CancelFunc
	done   chan struct{}

	teardownOnce sync.Once
}

func newHandle(id, topic string, kind ConsumerKind, consumer Consumer, cancel context.CancelFunc) *Handle {
	return &Handle{
		id:       id,
		topic:    topic,
		kind:     kind,
		consumer: consumer,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (h *Handle) ID() string            { return h.id }
func (h *Handle) Topic() string         { return h.topic }
func (h *Handle) Kind() ConsumerKind    { return h.kind }
func (h *Handle) Consumer() Consumer    { return h.consumer }
func (h *Handle) State() State          { return State(h.state.Load()) }
func (h *Handle) Done() <-chan struct{} { return h.done }

// transition moves from one state to another, failing if the handle is
// not in from.
func (h *Handle) transition(from, to State) bool {
	return h.state.CompareAndSwap(int32(from), int32(to))
}

func (h *Handle) set(to State) {
	h.state.Store(int32(to))
}
