// Package coalescer collapses bursts of live events into one recomputation
// per account-period.
package coalescer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Offer once the coalescer is closed.
var ErrClosed = errors.New("coalescer closed")

// Trigger recomputes one account-period. latest is the most recently
// received event for key.
type Trigger func(ctx context.Context, key domain.PeriodKey, latest domain.PaymentOperationEvent) error

// Config tunes the coalescer.
type Config struct {
	// Capacity of the intake buffer; Offer blocks when it is full.
	Capacity int
	// Debounce is slept once per pass before triggering.
	Debounce time.Duration
	// DrainTimeout bounds the final pass after cancellation.
	DrainTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Capacity: 10000, Debounce: 50 * time.Millisecond, DrainTimeout: 5 * time.Second}
}

// Stats counts what the coalescer has done so far.
type Stats struct {
	Received  int64 `json:"received"`
	Coalesced int64 `json:"coalesced"`
	Triggered int64 `json:"triggered"`
	Failed    int64 `json:"failed"`
}

type item struct {
	key domain.PeriodKey
	ev  domain.PaymentOperationEvent
}

// Coalescer is a bounded queue with a single draining loop that keeps only
// the latest event per period key.
type Coalescer struct {
	cfg     Config
	trigger Trigger
	log     zerolog.Logger

	queue     chan item
	closed    chan struct{}
	closeOnce sync.Once
	// held for reading by Offer while it enqueues; stopped is set under the
	// write lock so no enqueue lands after Close returns
	mu      sync.RWMutex
	stopped bool

	received  atomic.Int64
	coalesced atomic.Int64
	triggered atomic.Int64
	failed    atomic.Int64
}

// New creates a coalescer calling trigger for each flushed key.
func New(trigger Trigger, cfg Config, log zerolog.Logger) *Coalescer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}
	return &Coalescer{
		cfg:     cfg,
		trigger: trigger,
		log:     log,
		queue:   make(chan item, cfg.Capacity),
		closed:  make(chan struct{}),
	}
}

// Offer queues ev under key, blocking while the buffer is full.
func (c *Coalescer) Offer(ctx context.Context, key domain.PeriodKey, ev domain.PaymentOperationEvent) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return ErrClosed
	}

	select {
	case c.queue <- item{key: key, ev: ev}:
		c.received.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}
}

// OnEvent adapts Offer to a live subscription callback. The period is
// taken from the stream name, falling back to the transaction's own date.
func (c *Coalescer) OnEvent(ctx context.Context, stream string, ev domain.PaymentOperationEvent) error {
	key, err := domain.ParseStreamName(stream)
	if err != nil {
		if ev.Transaction.OperationDay.IsZero() {
			return fmt.Errorf("OnEvent: no period for event %s on %q: %w", ev.Transaction.Key, stream, err)
		}
		key = ev.Transaction.Period()
	}
	return c.Offer(ctx, key, ev)
}

// Close stops accepting events. Run performs its final drain and returns.
// Offers already enqueueing finish first, so the drain sees them.
func (c *Coalescer) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
	})
}

// Stats returns a snapshot of the counters.
func (c *Coalescer) Stats() Stats {
	return Stats{
		Received:  c.received.Load(),
		Coalesced: c.coalesced.Load(),
		Triggered: c.triggered.Load(),
		Failed:    c.failed.Load(),
	}
}

// Run is the single draining loop. It returns after ctx is cancelled or
// Close is called, once the final drain has finished or timed out.
func (c *Coalescer) Run(ctx context.Context) error {
	pending := make(map[domain.PeriodKey]domain.PaymentOperationEvent)
	c.log.Info().Int("capacity", c.cfg.Capacity).Dur("debounce", c.cfg.Debounce).Msg("Coalescer started")

	for {
		select {
		case <-ctx.Done():
			return c.drain(ctx, pending)
		case <-c.closed:
			return c.drain(ctx, pending)
		case it := <-c.queue:
			c.keep(pending, it)
			c.collect(pending)

			if c.cfg.Debounce > 0 {
				timer := time.NewTimer(c.cfg.Debounce)
				select {
				case <-ctx.Done():
					timer.Stop()
					return c.drain(ctx, pending)
				case <-timer.C:
				}
				c.collect(pending)
			}

			c.flush(ctx, pending)
		}
	}
}

func (c *Coalescer) keep(pending map[domain.PeriodKey]domain.PaymentOperationEvent, it item) {
	if _, ok := pending[it.key]; ok {
		c.coalesced.Add(1)
	}
	pending[it.key] = it.ev
}

// collect moves everything currently buffered into pending without blocking.
func (c *Coalescer) collect(pending map[domain.PeriodKey]domain.PaymentOperationEvent) {
	for {
		select {
		case it := <-c.queue:
			c.keep(pending, it)
		default:
			return
		}
	}
}

// flush triggers every pending key once, in stream-name order, evicting
// each key after its trigger whatever the outcome.
func (c *Coalescer) flush(ctx context.Context, pending map[domain.PeriodKey]domain.PaymentOperationEvent) {
	keys := make([]domain.PeriodKey, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].StreamName() < keys[j].StreamName() })

	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		latest := pending[key]
		delete(pending, key)

		c.triggered.Add(1)
		if err := c.safeTrigger(ctx, key, latest); err != nil {
			c.failed.Add(1)
			c.log.Error().Err(err).
				Str("account_id", key.AccountID).
				Str("period", key.YearMonth()).
				Msg("Period recomputation failed")
		}
	}
}

func (c *Coalescer) safeTrigger(ctx context.Context, key domain.PeriodKey, latest domain.PaymentOperationEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trigger panicked: %v", r)
		}
	}()
	return c.trigger(ctx, key, latest)
}

// drain flushes what is pending and queued under a fresh bounded context.
func (c *Coalescer) drain(parent context.Context, pending map[domain.PeriodKey]domain.PaymentOperationEvent) error {
	c.Close()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.cfg.DrainTimeout)
	defer cancel()

	c.collect(pending)
	c.log.Info().Int("pending", len(pending)).Msg("Coalescer draining")
	c.flush(ctx, pending)

	if len(pending) > 0 {
		c.log.Warn().Int("dropped", len(pending)).Msg("Coalescer drain timed out")
		return fmt.Errorf("Run: drain: %d period(s) not recomputed: %w", len(pending), ctx.Err())
	}
	c.log.Info().Msg("Coalescer stopped")
	return nil
}
