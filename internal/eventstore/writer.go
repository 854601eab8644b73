package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Spiller is the last resort for events the dead-letter stream refused.
type Spiller interface {
	Spill(ctx context.Context, stream string, records []Record, cause error) error
}

// WriteConfig tunes the write client.
type WriteConfig struct {
	Retry RetryPolicy
	// MaxConcurrent bounds in-flight appends across the process.
	MaxConcurrent int64
	// RatePerSecond limits append attempts; zero disables limiting.
	RatePerSecond float64
	RateBurst     int
	// AttemptTimeout bounds a single backend call when positive.
	AttemptTimeout   time.Duration
	DeadLetterStream string
}

// DefaultWriteConfig mirrors the production defaults.
func DefaultWriteConfig() WriteConfig {
	return WriteConfig{
		Retry:            DefaultRetryPolicy(),
		MaxConcurrent:    20,
		AttemptTimeout:   10 * time.Second,
		DeadLetterStream: DefaultDeadLetterStream,
	}
}

// AppendError reports an append that failed after retries.
type AppendError struct {
	Stream       string
	Attempts     int
	DeadLettered bool
	Err          error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append to %s failed after %d attempt(s) (dead-lettered: %t): %v",
		e.Stream, e.Attempts, e.DeadLettered, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

// WriteOption customises a WriteClient.
type WriteOption func(*WriteClient)

// WithSpiller sets the fallback used when the dead-letter append fails.
func WithSpiller(s Spiller) WriteOption {
	return func(c *WriteClient) { c.spiller = s }
}

// WithWriteLogger sets the client logger.
func WithWriteLogger(log zerolog.Logger) WriteOption {
	return func(c *WriteClient) { c.log = log }
}

// WithRetryClassifier replaces IsTransient.
func WithRetryClassifier(fn func(error) bool) WriteOption {
	return func(c *WriteClient) { c.retryable = fn }
}

// WriteClient appends payment-operation events with retries, a global
// concurrency bound, rate limiting and a dead-letter fallback.
// It is safe for concurrent use.
type WriteClient struct {
	backend   Backend
	cfg       WriteConfig
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
	spiller   Spiller
	retryable func(error) bool
	log       zerolog.Logger
}

// NewWriteClient creates a write client over backend.
func NewWriteClient(backend Backend, cfg WriteConfig, opts ...WriteOption) *WriteClient {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 20
	}
	if cfg.DeadLetterStream == "" {
		cfg.DeadLetterStream = DefaultDeadLetterStream
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	c := &WriteClient{
		backend:   backend,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter:   limiter,
		retryable: IsTransient,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeadLetterStream returns the configured dead-letter stream name.
func (c *WriteClient) DeadLetterStream() string { return c.cfg.DeadLetterStream }

// Append writes a single event of the given kind to stream.
func (c *WriteClient) Append(ctx context.Context, event domain.PaymentOperationEvent, stream string, kind domain.EventKind) error {
	return c.AppendBatch(ctx, []domain.PaymentOperationEvent{event}, stream, kind)
}

// AppendBatch writes events to stream atomically and in order. All events
// take kind and share one correlation id. Once retries are exhausted the
// batch goes to the dead-letter stream and the original failure is returned.
func (c *WriteClient) AppendBatch(ctx context.Context, events []domain.PaymentOperationEvent, stream string, kind domain.EventKind) error {
	if len(events) == 0 {
		return fmt.Errorf("AppendBatch: %w", ErrEmptyBatch)
	}
	if stream == "" {
		return fmt.Errorf("AppendBatch: %w: stream name is required", domain.ErrValidation)
	}

	correlationID := uuid.NewString()
	records := make([]Record, 0, len(events))
	for _, ev := range events {
		ev.Kind = kind
		ev.Metadata = domain.EventMetadata{CorrelationID: correlationID}
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("AppendBatch: %w", err)
		}
		rec, err := EncodeRecord(stream, ev)
		if err != nil {
			return fmt.Errorf("AppendBatch: %w", err)
		}
		records = append(records, rec)
	}

	log := c.log.With().
		Str("stream", stream).
		Str("correlation_id", correlationID).
		Int("events", len(records)).
		Logger()

	attempts, err := Retry(ctx, c.cfg.Retry, c.retryable, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			for i := range records {
				meta, err := metadataOf(records[i])
				if err != nil {
					return err
				}
				meta.RetryCount = attempt - 1
				rec, err := withMetadata(records[i], meta)
				if err != nil {
					return err
				}
				records[i] = rec
			}
			log.Warn().Int("attempt", attempt).Msg("Retrying append")
		}
		return c.appendOnce(ctx, stream, records)
	})
	if err == nil {
		log.Debug().Int("attempts", attempts).Msg("Appended events")
		return nil
	}

	appendErr := &AppendError{Stream: stream, Attempts: attempts, Err: err}
	if ctx.Err() != nil || errors.Is(err, domain.ErrValidation) {
		return fmt.Errorf("AppendBatch: %w", appendErr)
	}

	log.Error().Err(err).Int("attempts", attempts).Msg("Append failed, dead-lettering events")
	appendErr.DeadLettered = c.deadLetter(ctx, stream, records, err, log)
	return fmt.Errorf("AppendBatch: %w", appendErr)
}

func (c *WriteClient) appendOnce(ctx context.Context, stream string, records []Record) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	attemptCtx := ctx
	if c.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
	}
	return c.backend.Append(attemptCtx, stream, records)
}

// deadLetter reports whether the records were preserved somewhere.
func (c *WriteClient) deadLetter(ctx context.Context, stream string, records []Record, cause error, log zerolog.Logger) bool {
	dead := make([]Record, 0, len(records))
	for _, rec := range records {
		meta, err := metadataOf(rec)
		if err != nil {
			// the event itself is intact, keep it with fresh metadata
			log.Warn().Err(err).Msg("Replacing unreadable metadata of dead letter")
		}
		meta.Exception = cause.Error()
		meta.OriginalStream = stream
		rec, err := withMetadata(rec, meta)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode dead-letter metadata")
			return false
		}
		rec.Stream = c.cfg.DeadLetterStream
		dead = append(dead, rec)
	}

	err := c.appendOnce(ctx, c.cfg.DeadLetterStream, dead)
	if err == nil {
		log.Warn().Str("dead_letter_stream", c.cfg.DeadLetterStream).Msg("Events dead-lettered")
		return true
	}
	log.Error().Err(err).Str("dead_letter_stream", c.cfg.DeadLetterStream).Msg("Dead-letter append failed")

	if c.spiller == nil {
		return false
	}
	if err := c.spiller.Spill(ctx, stream, dead, cause); err != nil {
		log.Error().Err(err).Msg("Failed to spill dead-lettered events")
		return false
	}
	log.Warn().Msg("Events spilled to object storage")
	return true
}
