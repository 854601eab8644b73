// Package memstore is an in-memory event store backend for single-process
// deployments and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/eventstore"
)

const subscriptionBuffer = 1024

// AppendHook runs before every append; a non-nil error fails the append.
type AppendHook func(stream string, records []eventstore.Record) error

// Store keeps streams in memory. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	streams map[string][]eventstore.Record
	global  uint64
	subs    map[*subscription]struct{}
	closed  bool
	hook    AppendHook

	// serialises fan-out so subscribers observe global order
	deliverMu sync.Mutex
}

// New creates an empty store.
func New() *Store {
	return &Store{
		streams: make(map[string][]eventstore.Record),
		subs:    make(map[*subscription]struct{}),
	}
}

// SetAppendHook installs a hook used to inject append failures.
func (s *Store) SetAppendHook(h AppendHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// Append implements eventstore.Backend.
func (s *Store) Append(ctx context.Context, stream string, records []eventstore.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return eventstore.ErrClosed
	}
	if s.hook != nil {
		if err := s.hook(stream, records); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	now := time.Now().UTC()
	existing := s.streams[stream]
	stored := make([]eventstore.Record, 0, len(records))
	for i, rec := range records {
		s.global++
		rec.Stream = stream
		rec.StreamPosition = uint64(len(existing) + i)
		rec.GlobalPosition = s.global
		rec.CreatedAt = now
		stored = append(stored, rec)
	}
	s.streams[stream] = append(existing, stored...)

	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		if sub.stream == "" || sub.stream == stream {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		for _, rec := range stored {
			if !sub.deliver(rec) {
				break
			}
		}
	}
	return nil
}

// Read implements eventstore.Backend.
func (s *Store) Read(ctx context.Context, stream string, from uint64, limit int) ([]eventstore.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, eventstore.ErrClosed
	}
	records, ok := s.streams[stream]
	if !ok {
		return nil, fmt.Errorf("Read: %s: %w", stream, eventstore.ErrStreamNotFound)
	}
	if from >= uint64(len(records)) {
		return nil, nil
	}
	end := uint64(len(records))
	if limit > 0 && from+uint64(limit) < end {
		end = from + uint64(limit)
	}
	out := make([]eventstore.Record, end-from)
	copy(out, records[from:end])
	return out, nil
}

// Streams implements eventstore.Backend.
func (s *Store) Streams(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	for name := range s.streams {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Subscribe implements eventstore.Backend.
func (s *Store) Subscribe(ctx context.Context, stream string) (eventstore.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, eventstore.ErrClosed
	}
	sub := &subscription{
		stream:  stream,
		records: make(chan eventstore.Record, subscriptionBuffer),
		done:    make(chan struct{}),
		store:   s,
	}
	s.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Len returns the number of records in stream.
func (s *Store) Len(stream string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams[stream])
}

// Close implements eventstore.Backend. Open subscriptions are ended.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (s *Store) remove(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

type subscription struct {
	stream  string
	records chan eventstore.Record
	done    chan struct{}
	once    sync.Once
	store   *Store
}

func (s *subscription) Records() <-chan eventstore.Record { return s.records }

func (s *subscription) Err() error { return nil }

// deliver blocks until the subscriber takes rec or the subscription closes.
func (s *subscription) deliver(rec eventstore.Record) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.records <- rec:
		return true
	case <-s.done:
		return false
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.store.remove(s)
		// deliverMu guarantees no sender is mid-send once acquired
		s.store.deliverMu.Lock()
		close(s.records)
		s.store.deliverMu.Unlock()
	})
	return nil
}
