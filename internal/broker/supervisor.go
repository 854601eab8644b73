package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config tunes a supervisor.
type Config struct {
	GroupID             string
	MaxConsumers        int
	HealthCheckInterval time.Duration
	CircuitBreakerDelay time.Duration
	// BufferSize is the per-consumer buffer between poller and workers.
	BufferSize int
	// Workers drain the buffer concurrently.
	Workers int
	// ShutdownTimeout bounds waiting for a consume loop to stop.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConsumers:        1,
		HealthCheckInterval: 30 * time.Second,
		CircuitBreakerDelay: 5 * time.Second,
		BufferSize:          30,
		Workers:             30,
		ShutdownTimeout:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConsumers <= 0 {
		c.MaxConsumers = d.MaxConsumers
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.CircuitBreakerDelay <= 0 {
		c.CircuitBreakerDelay = d.CircuitBreakerDelay
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Supervisor keeps the configured number of consumers alive per topic.
type Supervisor struct {
	registry *Registry
	kind     ConsumerKind
	factory  Factory
	handler  Handler
	lag      LagInspector
	cfg      Config
	log      zerolog.Logger

	base   context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
	seq    atomic.Int64

	mu      sync.Mutex
	desired map[string]int
}

// NewSupervisor resolves the factory for kind and creates a supervisor
// sharing registry. lag may be nil, which disables health checks.
func NewSupervisor(registry *Registry, factories Factories, kind ConsumerKind, handler Handler, lag LagInspector, cfg Config, log zerolog.Logger) (*Supervisor, error) {
	factory, err := factories.Resolve(kind)
	if err != nil {
		return nil, fmt.Errorf("NewSupervisor: %w", err)
	}
	if handler == nil {
		return nil, fmt.Errorf("NewSupervisor: handler is required")
	}

	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		registry: registry,
		kind:     kind,
		factory:  factory,
		handler:  handler,
		lag:      lag,
		cfg:      cfg.withDefaults(),
		log:      log.With().Str("consumer_kind", kind.String()).Logger(),
		base:     base,
		cancel:   cancel,
		desired:  make(map[string]int),
	}, nil
}

// Registry returns the registry the supervisor registers handles in.
func (s *Supervisor) Registry() *Registry { return s.registry }

// EnsureConsumers creates, registers and subscribes consumers for topic
// until desired are active, then returns the active handles. It is
// idempotent. desired is capped at the configured maximum.
func (s *Supervisor) EnsureConsumers(ctx context.Context, topic string, desired int) ([]*Handle, error) {
	if desired > s.cfg.MaxConsumers {
		desired = s.cfg.MaxConsumers
	}
	if desired <= 0 {
		return nil, fmt.Errorf("EnsureConsumers: desired consumer count must be positive, got %d", desired)
	}
	if s.base.Err() != nil {
		return nil, fmt.Errorf("EnsureConsumers: %w", ErrConsumerClosed)
	}

	s.mu.Lock()
	s.desired[topic] = desired
	s.mu.Unlock()

	for s.registry.Count(topic) < desired {
		started, err := s.startConsumer(ctx, topic, desired)
		if err != nil {
			return s.registry.List(topic), fmt.Errorf("EnsureConsumers: %s: %w", topic, err)
		}
		if !started {
			// lost a race with a concurrent registration
			break
		}
	}
	return s.registry.List(topic), nil
}

// startConsumer builds one consumer and registers it if topic holds fewer
// than limit handles. It reports whether a consumer was started.
func (s *Supervisor) startConsumer(ctx context.Context, topic string, limit int) (bool, error) {
	id := fmt.Sprintf("%s-%s-%d", s.cfg.GroupID, topic, s.seq.Add(1))
	consumer, err := s.factory(ctx, id)
	if err != nil {
		return false, fmt.Errorf("create consumer: %w", err)
	}

	loopCtx, cancel := context.WithCancel(s.base)
	h := newHandle(id, topic, s.kind, consumer, cancel)
	if !s.registry.TryAdd(topic, h, limit) {
		cancel()
		close(h.done)
		h.set(StateDisposed)
		_ = consumer.Close()
		return false, nil
	}

	log := s.log.With().Str("topic", topic).Str("consumer_id", id).Logger()
	h.transition(StateUnsubscribed, StateSubscribing)
	if err := consumer.Subscribe(ctx, topic); err != nil {
		close(h.done)
		if removed, ok := s.registry.Remove(topic, id); ok {
			s.teardown(removed)
		}
		return false, fmt.Errorf("subscribe %s: %w", id, err)
	}
	if !h.transition(StateSubscribing, StateConsuming) {
		// torn down while subscribing
		close(h.done)
		return false, nil
	}
	log.Info().Msg("Consumer subscribed")

	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		err := s.ConsumeLoop(loopCtx, h)
		close(h.done)

		if err != nil {
			log.Error().Err(err).Msg("Consume loop stopped")
		}
		if removed, ok := s.registry.Remove(topic, id); ok {
			s.teardown(removed)
		}
	}()
	return true, nil
}

// ConsumeLoop polls h's consumer and feeds a bounded buffer drained by a
// fixed pool of workers. A full buffer blocks the poller. Offsets are
// committed only after the handler succeeds. It returns nil on
// cancellation and ErrConsumerClosed when the client was disposed.
func (s *Supervisor) ConsumeLoop(ctx context.Context, h *Handle) error {
	buffer := make(chan Message, s.cfg.BufferSize)
	log := s.log.With().Str("topic", h.topic).Str("consumer_id", h.id).Logger()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for msg := range buffer {
				s.process(gctx, h, msg, log)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(buffer)
		return s.poll(gctx, h, buffer, log)
	})

	return g.Wait()
}

func (s *Supervisor) poll(ctx context.Context, h *Handle, buffer chan<- Message, log zerolog.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := h.consumer.Poll(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrConsumerClosed):
			return fmt.Errorf("poll: %w", err)
		case IsTransient(err):
			log.Warn().Err(err).Dur("delay", s.cfg.CircuitBreakerDelay).Msg("Transient broker error, backing off")
			if !sleep(ctx, s.cfg.CircuitBreakerDelay) {
				return nil
			}
			continue
		default:
			log.Error().Err(err).Msg("Unexpected poll error")
			if !sleep(ctx, s.cfg.CircuitBreakerDelay) {
				return nil
			}
			continue
		}

		for _, msg := range msgs {
			select {
			case buffer <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *Supervisor) process(ctx context.Context, h *Handle, msg Message, log zerolog.Logger) {
	if ctx.Err() != nil {
		// left uncommitted for redelivery
		return
	}

	if err := s.handle(ctx, msg); err != nil {
		log.Error().Err(err).Str("message", msg.String()).Dur("delay", s.cfg.CircuitBreakerDelay).
			Msg("Message handling failed, redelivering")
		if !sleep(ctx, s.cfg.CircuitBreakerDelay) {
			return
		}
		if err := h.consumer.Redeliver(ctx, msg); err != nil {
			log.Warn().Err(err).Str("message", msg.String()).Msg("Redelivery failed")
		}
		return
	}
	if err := h.consumer.Commit(ctx, msg); err != nil {
		log.Warn().Err(err).Str("message", msg.String()).Msg("Offset commit failed")
	}
}

// handle runs the handler, turning a panic into an error.
func (s *Supervisor) handle(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return s.handler(ctx, msg)
}

// HealthCheck inspects every supervised topic. A topic with positive lag
// and no assigned group member has its stale handles torn down and exactly
// one consumer recreated. A healthy topic running fewer consumers than
// EnsureConsumers asked for is topped back up.
func (s *Supervisor) HealthCheck(ctx context.Context) error {
	if s.lag == nil {
		return nil
	}

	var errs []error
	for _, topic := range s.topics() {
		status, err := s.lag.Inspect(ctx, s.cfg.GroupID, topic)
		if err != nil {
			s.log.Warn().Err(err).Str("topic", topic).Msg("Lag inspection failed")
			errs = append(errs, fmt.Errorf("inspect %s: %w", topic, err))
			continue
		}
		if status.Lag <= 0 || status.Assigned {
			if err := s.topUp(ctx, topic); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		s.log.Warn().Str("topic", topic).Int64("lag", status.Lag).Msg("Lag with no assigned consumer, resubscribing")
		for _, h := range s.registry.List(topic) {
			if removed, ok := s.registry.Remove(topic, h.id); ok {
				s.teardown(removed)
			}
		}
		if _, err := s.startConsumer(ctx, topic, 1); err != nil {
			errs = append(errs, fmt.Errorf("recreate %s: %w", topic, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("HealthCheck: %w", errors.Join(errs...))
	}
	return nil
}

func (s *Supervisor) topUp(ctx context.Context, topic string) error {
	s.mu.Lock()
	desired := s.desired[topic]
	s.mu.Unlock()

	if s.registry.Count(topic) >= desired {
		return nil
	}
	s.log.Info().Str("topic", topic).Int("desired", desired).Msg("Restoring consumer count")
	if _, err := s.EnsureConsumers(ctx, topic, desired); err != nil {
		return fmt.Errorf("top up %s: %w", topic, err)
	}
	return nil
}

// RunHealthChecks runs HealthCheck on the configured interval until ctx is
// done.
func (s *Supervisor) RunHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.base.Done():
			return
		case <-ticker.C:
			if err := s.HealthCheck(ctx); err != nil {
				s.log.Error().Err(err).Msg("Health check failed")
			}
		}
	}
}

// Shutdown stops every consume loop, unsubscribes and disposes all
// consumers, and waits for the loops within ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()

	for _, topic := range s.topics() {
		for _, h := range s.registry.List(topic) {
			if removed, ok := s.registry.Remove(topic, h.id); ok {
				s.teardown(removed)
			}
		}
	}

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("Supervisor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("Shutdown: %w", ctx.Err())
	}
}

// teardown walks h to Disposed. It runs once per handle; callers must have
// removed h from the registry first.
func (s *Supervisor) teardown(h *Handle) {
	h.teardownOnce.Do(func() {
		log := s.log.With().Str("topic", h.topic).Str("consumer_id", h.id).Logger()
		h.set(StateUnsubscribing)

		h.cancel()
		select {
		case <-h.done:
		case <-time.After(s.cfg.ShutdownTimeout):
			log.Warn().Msg("Consume loop did not stop in time")
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := h.consumer.Unsubscribe(ctx); err != nil {
			log.Warn().Err(err).Msg("Unsubscribe failed")
		}
		h.set(StateUnsubscribed)

		if err := h.consumer.Close(); err != nil {
			log.Warn().Err(err).Msg("Consumer close failed")
		}
		h.set(StateDisposed)
		log.Info().Msg("Consumer disposed")
	})
}

func (s *Supervisor) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make([]string, 0, len(s.desired))
	for t := range s.desired {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
