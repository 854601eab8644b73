package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// fakeConsumer serves queued messages and records lifecycle calls.
type fakeConsumer struct {
	id string

	SubscribeFunc func(ctx context.Context, topic string) error
	// infinite makes Poll return a fresh message on every call.
	infinite bool

	mu           sync.Mutex
	queue        []Message
	pollErrs     []error
	committed    []int64
	redelivered  []int64
	subscribed   string
	unsubscribed bool
	closed       bool
	next         int64

	polls atomic.Int32
}

func (c *fakeConsumer) ID() string { return c.id }

func (c *fakeConsumer) Subscribe(ctx context.Context, topic string) error {
	if c.SubscribeFunc != nil {
		if err := c.SubscribeFunc(ctx, topic); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = topic
	return nil
}

func (c *fakeConsumer) Poll(ctx context.Context) ([]Message, error) {
	c.polls.Add(1)

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrConsumerClosed
	case len(c.pollErrs) > 0:
		err := c.pollErrs[0]
		c.pollErrs = c.pollErrs[1:]
		c.mu.Unlock()
		return nil, err
	case len(c.queue) > 0:
		msg := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		return []Message{msg}, nil
	case c.infinite:
		c.next++
		msg := Message{Topic: c.subscribed, Offset: c.next}
		c.mu.Unlock()
		return []Message{msg}, nil
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Millisecond):
		return nil, nil
	}
}

func (c *fakeConsumer) Commit(_ context.Context, msgs ...Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.committed = append(c.committed, m.Offset)
	}
	return nil
}

// Redeliver queues msg to be polled again next.
func (c *fakeConsumer) Redeliver(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redelivered = append(c.redelivered, msg.Offset)
	c.queue = append([]Message{msg}, c.queue...)
	return nil
}

func (c *fakeConsumer) Unsubscribe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = true
	return nil
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConsumer) push(msgs ...Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, msgs...)
}

func (c *fakeConsumer) failPolls(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollErrs = append(c.pollErrs, errs...)
}

func (c *fakeConsumer) commits() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.committed...)
}

func (c *fakeConsumer) redeliveries() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.redelivered...)
}

func (c *fakeConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeFactory builds fakeConsumers and remembers them.
type fakeFactory struct {
	mu        sync.Mutex
	consumers []*fakeConsumer
	configure func(*fakeConsumer)
}

func (f *fakeFactory) New(_ context.Context, id string) (Consumer, error) {
	c := &fakeConsumer{id: id}
	if f.configure != nil {
		f.configure(c)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumers = append(f.consumers, c)
	return c, nil
}

func (f *fakeFactory) created() []*fakeConsumer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConsumer(nil), f.consumers...)
}

// fakeLag reports a fixed status for every topic.
type fakeLag struct {
	InspectFunc func(ctx context.Context, group, topic string) (LagStatus, error)
	calls       atomic.Int32
}

func (l *fakeLag) Inspect(ctx context.Context, group, topic string) (LagStatus, error) {
	l.calls.Add(1)
	if l.InspectFunc != nil {
		return l.InspectFunc(ctx, group, topic)
	}
	return LagStatus{}, nil
}

func stalled(lag int64) *fakeLag {
	return &fakeLag{InspectFunc: func(context.Context, string, string) (LagStatus, error) {
		return LagStatus{Lag: lag, Assigned: false}, nil
	}}
}

func messages(topic string, offsets ...int64) []Message {
	out := make([]Message, len(offsets))
	for i, o := range offsets {
		out[i] = Message{Topic: topic, Offset: o, Key: []byte(fmt.Sprintf("k%d", o))}
	}
	return out
}
