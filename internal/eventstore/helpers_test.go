package eventstore_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/civil"
	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/allmantool/hbudget-ledger/internal/eventstore"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newEvent(account string, day civil.Date, amount string) domain.PaymentOperationEvent {
	return domain.PaymentOperationEvent{
		Kind: domain.EventKindAdd,
		Transaction: domain.FinancialTransaction{
			Key:                uuid.New(),
			AccountID:          account,
			Amount:             decimal.RequireFromString(amount),
			CategoryID:         "groceries",
			OperationDay:       day,
			Kind:               domain.TransactionKindPayment,
			IngestionTimestamp: time.Date(day.Year, day.Month, day.Day, 12, 0, 0, 0, time.UTC).UnixMilli(),
		},
	}
}

func fastPolicy(retries int) eventstore.RetryPolicy {
	return eventstore.RetryPolicy{MaxRetries: retries, BackoffBase: 2, Unit: time.Millisecond}
}

// countingBackend records calls and in-flight appends of the wrapped backend.
type countingBackend struct {
	eventstore.Backend

	reads       atomic.Int32
	appends     atomic.Int32
	inFlight    atomic.Int32
	mu          sync.Mutex
	maxInFlight int32
	delay       time.Duration
}

func (b *countingBackend) Append(ctx context.Context, stream string, records []eventstore.Record) error {
	b.appends.Add(1)
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)

	b.mu.Lock()
	if n > b.maxInFlight {
		b.maxInFlight = n
	}
	b.mu.Unlock()

	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	return b.Backend.Append(ctx, stream, records)
}

func (b *countingBackend) Read(ctx context.Context, stream string, from uint64, limit int) ([]eventstore.Record, error) {
	b.reads.Add(1)
	return b.Backend.Read(ctx, stream, from, limit)
}

func (b *countingBackend) MaxInFlight() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxInFlight
}

type recordingSpiller struct {
	mu      sync.Mutex
	streams []string
	records []eventstore.Record
	err     error
}

func (s *recordingSpiller) Spill(_ context.Context, stream string, records []eventstore.Record, _ error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = append(s.streams, stream)
	s.records = append(s.records, records...)
	return s.err
}

// droppingBackend hands out subscriptions that end at once with err for
// the first drops calls to Subscribe.
type droppingBackend struct {
	eventstore.Backend

	drops      int32
	err        error
	subscribes atomic.Int32
}

func (b *droppingBackend) Subscribe(ctx context.Context, stream string) (eventstore.Subscription, error) {
	if b.subscribes.Add(1) <= b.drops {
		return droppedSubscription{err: b.err}, nil
	}
	return b.Backend.Subscribe(ctx, stream)
}

type droppedSubscription struct{ err error }

func (s droppedSubscription) Records() <-chan eventstore.Record {
	ch := make(chan eventstore.Record)
	close(ch)
	return ch
}

func (s droppedSubscription) Err() error   { return s.err }
func (s droppedSubscription) Close() error { return nil }
