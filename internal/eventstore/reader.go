package eventstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/rs/zerolog"
)

const (
	// DefaultPageSize is how many records a read fetches per backend call.
	DefaultPageSize = 256
	// DefaultResubscribeDelay is the pause before a failed live
	// subscription is opened again.
	DefaultResubscribeDelay = 5 * time.Second
)

// ReadClient reads payment-operation events back from the store.
type ReadClient struct {
	backend          Backend
	pageSize         int
	deadLetterStream string
	resubscribeDelay time.Duration
	onResubscribe    func(context.Context)
	now              func() time.Time
	log              zerolog.Logger
}

// ReadOption customises a ReadClient.
type ReadOption func(*ReadClient)

// WithPageSize sets the records fetched per backend call.
func WithPageSize(n int) ReadOption {
	return func(c *ReadClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithDeadLetterStream names the stream live subscriptions skip.
func WithDeadLetterStream(stream string) ReadOption {
	return func(c *ReadClient) { c.deadLetterStream = stream }
}

// WithReadLogger sets the client logger.
func WithReadLogger(log zerolog.Logger) ReadOption {
	return func(c *ReadClient) { c.log = log }
}

// WithResubscribeDelay sets the pause before a failed live subscription is
// opened again.
func WithResubscribeDelay(d time.Duration) ReadOption {
	return func(c *ReadClient) {
		if d > 0 {
			c.resubscribeDelay = d
		}
	}
}

// WithResubscribeHook sets a function run after a live subscription is
// reopened following a failure. Events appended while it was down are not
// delivered, so the hook is where callers catch up.
func WithResubscribeHook(fn func(context.Context)) ReadOption {
	return func(c *ReadClient) { c.onResubscribe = fn }
}

// WithClock overrides the processed-at clock.
func WithClock(now func() time.Time) ReadOption {
	return func(c *ReadClient) { c.now = now }
}

// NewReadClient creates a read client over backend.
func NewReadClient(backend Backend, opts ...ReadOption) *ReadClient {
	c := &ReadClient{
		backend:          backend,
		pageSize:         DefaultPageSize,
		deadLetterStream: DefaultDeadLetterStream,
		resubscribeDelay: DefaultResubscribeDelay,
		now:              time.Now,
		log:              zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReadAll lazily yields every event of stream from the beginning, stamping
// each with the time it was read. A stream that does not exist yields
// nothing. Iteration stops at the first error, which is yielded.
func (c *ReadClient) ReadAll(ctx context.Context, stream string) iter.Seq2[domain.PaymentOperationEvent, error] {
	return func(yield func(domain.PaymentOperationEvent, error) bool) {
		var from uint64
		for {
			page, err := c.backend.Read(ctx, stream, from, c.pageSize)
			if errors.Is(err, ErrStreamNotFound) {
				return
			}
			if err != nil {
				yield(domain.PaymentOperationEvent{}, fmt.Errorf("ReadAll: %s: %w", stream, err))
				return
			}

			for _, rec := range page {
				ev, err := DecodeRecord(rec, c.now())
				if !yield(ev, err) || err != nil {
					return
				}
				from = rec.StreamPosition + 1
			}
			if len(page) < c.pageSize {
				return
			}
		}
	}
}

// Collect materialises ReadAll.
func (c *ReadClient) Collect(ctx context.Context, stream string) ([]domain.PaymentOperationEvent, error) {
	var events []domain.PaymentOperationEvent
	for ev, err := range c.ReadAll(ctx, stream) {
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// ReadAccount returns every event of every period stream of accountID,
// streams in chronological order.
func (c *ReadClient) ReadAccount(ctx context.Context, accountID string) ([]domain.PaymentOperationEvent, error) {
	if err := domain.ValidateAccountID(accountID); err != nil {
		return nil, fmt.Errorf("ReadAccount: %w", err)
	}

	streams, err := c.backend.Streams(ctx, domain.StreamPrefix(accountID))
	if err != nil {
		return nil, fmt.Errorf("ReadAccount: list streams: %w", err)
	}

	var events []domain.PaymentOperationEvent
	for _, stream := range streams {
		key, err := domain.ParseStreamName(stream)
		if err != nil || key.AccountID != accountID {
			// another account sharing the prefix
			continue
		}
		evs, err := c.Collect(ctx, stream)
		if err != nil {
			return nil, fmt.Errorf("ReadAccount: %w", err)
		}
		events = append(events, evs...)
	}
	return events, nil
}

// Accounts lists the accounts owning at least one period stream, sorted.
func (c *ReadClient) Accounts(ctx context.Context) ([]string, error) {
	streams, err := c.backend.Streams(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("Accounts: list streams: %w", err)
	}
	var accounts []string
	for _, stream := range streams {
		key, err := domain.ParseStreamName(stream)
		if err != nil {
			continue
		}
		accounts = append(accounts, key.AccountID)
	}
	slices.Sort(accounts)
	return slices.Compact(accounts), nil
}

// SubscribeLive blocks delivering every event appended to stream after the
// call to onEvent, or to all streams when stream is empty. The dead-letter
// stream is never delivered. Undecodable records and handler errors are
// logged and skipped. A failed subscription is logged and reopened after
// the resubscribe delay, then the resubscribe hook runs. Returns nil once
// ctx is done.
func (c *ReadClient) SubscribeLive(ctx context.Context, stream string, onEvent func(context.Context, string, domain.PaymentOperationEvent) error) error {
	log := c.log.With().Str("stream", stream).Logger()
	for attempt := 0; ; attempt++ {
		err := c.subscribeOnce(ctx, stream, attempt > 0, onEvent, log)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("subscription ended")
		}
		log.Error().Err(err).Int("attempt", attempt+1).Dur("delay", c.resubscribeDelay).
			Msg("Live subscription failed, resubscribing")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.resubscribeDelay):
		}
	}
}

// subscribeOnce runs one subscription until it ends.
func (c *ReadClient) subscribeOnce(ctx context.Context, stream string, reopened bool, onEvent func(context.Context, string, domain.PaymentOperationEvent) error, log zerolog.Logger) error {
	sub, err := c.backend.Subscribe(ctx, stream)
	if err != nil {
		return fmt.Errorf("SubscribeLive: %w", err)
	}
	defer sub.Close()

	if reopened {
		log.Warn().Msg("Live subscription reopened, events appended meanwhile were not delivered")
		if c.onResubscribe != nil {
			c.onResubscribe(ctx)
		}
	} else {
		log.Info().Msg("Live subscription started")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-sub.Records():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := sub.Err(); err != nil {
					return fmt.Errorf("SubscribeLive: %w", err)
				}
				return nil
			}
			if rec.Stream == c.deadLetterStream {
				continue
			}
			ev, err := DecodeRecord(rec, c.now())
			if err != nil {
				log.Error().Err(err).Str("record_stream", rec.Stream).Msg("Skipping undecodable record")
				continue
			}
			if err := onEvent(ctx, rec.Stream, ev); err != nil {
				log.Error().Err(err).Str("record_stream", rec.Stream).Str("key", ev.Transaction.Key.String()).Msg("Live event handler failed")
			}
		}
	}
}

// DeadLetter is an event parked on the dead-letter stream.
type DeadLetter struct {
	Position uint64
	Event    domain.PaymentOperationEvent
}

// ListDeadLetters lists the dead-letter stream.
func (c *ReadClient) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var out []DeadLetter
	var from uint64
	for {
		page, err := c.backend.Read(ctx, c.deadLetterStream, from, c.pageSize)
		if errors.Is(err, ErrStreamNotFound) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("ListDeadLetters: %w", err)
		}
		for _, rec := range page {
			ev, err := DecodeRecord(rec, c.now())
			if err != nil {
				return nil, fmt.Errorf("ListDeadLetters: %w", err)
			}
			out = append(out, DeadLetter{Position: rec.StreamPosition, Event: ev})
			from = rec.StreamPosition + 1
		}
		if len(page) < c.pageSize {
			return out, nil
		}
	}
}
