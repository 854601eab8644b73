package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		GroupID:             "ledger",
		MaxConsumers:        4,
		HealthCheckInterval: 10 * time.Millisecond,
		CircuitBreakerDelay: 5 * time.Millisecond,
		BufferSize:          30,
		Workers:             30,
		ShutdownTimeout:     time.Second,
	}
}

func newTestSupervisor(t *testing.T, factory *fakeFactory, handler Handler, lag LagInspector, cfg Config) *Supervisor {
	t.Helper()
	s, err := NewSupervisor(NewRegistry(), Factories{KindPaymentOperations: factory.New},
		KindPaymentOperations, handler, lag, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func okHandler(context.Context, Message) error { return nil }

func TestNewSupervisor_UnknownKind(t *testing.T) {
	_, err := NewSupervisor(NewRegistry(), Factories{}, KindBalanceCommands, okHandler, nil, testConfig(), zerolog.Nop())
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestSupervisor_EnsureConsumersIsIdempotent(t *testing.T) {
	factory := &fakeFactory{}
	s := newTestSupervisor(t, factory, okHandler, nil, testConfig())
	ctx := context.Background()

	handles, err := s.EnsureConsumers(ctx, "payments", 2)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	for _, h := range handles {
		assert.Equal(t, StateConsuming, h.State())
		assert.Equal(t, "payments", h.Topic())
	}

	handles, err = s.EnsureConsumers(ctx, "payments", 2)
	require.NoError(t, err)
	assert.Len(t, handles, 2)
	assert.Len(t, factory.created(), 2)
	for _, c := range factory.created() {
		assert.Equal(t, "payments", c.subscribed)
	}
}

func TestSupervisor_EnsureConsumersCapsAtMaximum(t *testing.T) {
	factory := &fakeFactory{}
	s := newTestSupervisor(t, factory, okHandler, nil, testConfig())

	handles, err := s.EnsureConsumers(context.Background(), "payments", 10)
	require.NoError(t, err)
	assert.Len(t, handles, 4)
}

func TestSupervisor_SubscribeFailureIsNotRegistered(t *testing.T) {
	boom := errors.New("broker unreachable")
	factory := &fakeFactory{configure: func(c *fakeConsumer) {
		c.SubscribeFunc = func(context.Context, string) error { return boom }
	}}
	s := newTestSupervisor(t, factory, okHandler, nil, testConfig())

	_, err := s.EnsureConsumers(context.Background(), "payments", 1)

	assert.ErrorIs(t, err, boom)
	assert.Zero(t, s.Registry().Count("payments"))
	require.Len(t, factory.created(), 1)
	assert.True(t, factory.created()[0].isClosed())
}

func TestSupervisor_CommitsOnlyHandledMessages(t *testing.T) {
	factory := &fakeFactory{configure: func(c *fakeConsumer) {
		c.push(messages("payments", 1, 2, 3, 4)...)
	}}
	handler := func(_ context.Context, msg Message) error {
		if msg.Offset == 3 {
			return errors.New("store unavailable")
		}
		return nil
	}
	s := newTestSupervisor(t, factory, handler, nil, testConfig())

	_, err := s.EnsureConsumers(context.Background(), "payments", 1)
	require.NoError(t, err)
	consumer := factory.created()[0]

	require.Eventually(t, func() bool { return len(consumer.commits()) == 3 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []int64{1, 2, 4}, consumer.commits())
	require.Eventually(t, func() bool { return len(consumer.redeliveries()) >= 2 }, time.Second, 5*time.Millisecond)
	for _, offset := range consumer.redeliveries() {
		assert.Equal(t, int64(3), offset)
	}
}

func TestSupervisor_FailedMessageIsRedeliveredAndCommitted(t *testing.T) {
	factory := &fakeFactory{configure: func(c *fakeConsumer) {
		c.push(messages("payments", 1, 2, 3)...)
	}}
	var mu sync.Mutex
	failures := 0
	handler := func(_ context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		if msg.Offset == 1 && failures == 0 {
			failures++
			return errors.New("store unavailable")
		}
		return nil
	}
	s := newTestSupervisor(t, factory, handler, nil, testConfig())

	_, err := s.EnsureConsumers(context.Background(), "payments", 1)
	require.NoError(t, err)
	consumer := factory.created()[0]

	require.Eventually(t, func() bool { return len(consumer.commits()) == 3 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []int64{1, 2, 3}, consumer.commits())
	assert.Equal(t, []int64{1}, consumer.redeliveries())
}

func TestSupervisor_PanickingHandlerDoesNotKillLoop(t *testing.T) {
	factory := &fakeFactory{configure: func(c *fakeConsumer) {
		c.push(messages("payments", 1, 2)...)
	}}
	handler := func(_ context.Context, msg Message) error {
		if msg.Offset == 1 {
			panic("bad message")
		}
		return nil
	}
	s := newTestSupervisor(t, factory, handler, nil, testConfig())

	_, err := s.EnsureConsumers(context.Background(), "payments", 1)
	require.NoError(t, err)
	consumer := factory.created()[0]

	require.Eventually(t, func() bool { return len(consumer.commits()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{2}, consumer.commits())
	require.Eventually(t, func() bool { return len(consumer.redeliveries()) > 0 }, time.Second, 5*time.Millisecond)
}

func TestSupervisor_TransientPollErrorsBackOff(t *testing.T) {
	factory := &fakeFactory{configure: func(c *fakeConsumer) {
		c.failPolls(
			fmt.Errorf("%w: unknown topic or partition", ErrTransient),
			errors.New("something odd"),
		)
		c.push(messages("payments", 7)...)
	}}
	s := newTestSupervisor(t, factory, okHandler, nil, testConfig())

	_, err := s.EnsureConsumers(context.Background(), "payments", 1)
	require.NoError(t, err)
	consumer := factory.created()[0]

	require.Eventually(t, func() bool { return len(consumer.commits()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Registry().Count("payments"))
}

func TestSupervisor_ClosedConsumerStopsLoopAndUnregisters(t *testing.T) {
	factory := &fakeFactory{}
	s := newTestSupervisor(t, factory, okHandler, nil, testConfig())

	handles, err := s.EnsureConsumers(context.Background(), "payments", 1)
	require.NoError(t, err)
	factory.created()[0].Close()

	select {
	case <-handles[0].Done():
	case <-time.After(time.Second):
		t.Fatal("consume loop did not stop")
	}
	require.Eventually(t, func() bool { return handles[0].State() == StateDisposed }, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Registry().Count("payments"))
}

func TestSupervisor_FullBufferBlocksPoller(t *testing.T) {
	release := make(chan struct{})
	factory := &fakeFactory{configure: func(c *fakeConsumer) { c.infinite = true }}
	handler := func(ctx context.Context, _ Message) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	cfg := testConfig()
	cfg.BufferSize = 2
	cfg.Workers = 1
	s := newTestSupervisor(t, factory, handler, nil, cfg)

	_, err := s.EnsureConsumers(context.Background(), "payments", 1)
	require.NoError(t, err)
	consumer := factory.created()[0]

	time.Sleep(50 * time.Millisecond)
	// one in the worker, two buffered, one held by the blocked poller
	assert.LessOrEqual(t, consumer.polls.Load(), int32(4))

	close(release)
	require.Eventually(t, func() bool { return consumer.polls.Load() > 10 }, time.Second, 5*time.Millisecond)
}

func TestSupervisor_HealthCheckRecreatesStalledConsumer(t *testing.T) {
	factory := &fakeFactory{}
	s := newTestSupervisor(t, factory, okHandler, stalled(42), testConfig())
	ctx := context.Background()

	handles, err := s.EnsureConsumers(ctx, "payments", 2)
	require.NoError(t, err)
	require.Len(t, handles, 2)

	require.NoError(t, s.HealthCheck(ctx))

	for _, h := range handles {
		assert.Equal(t, StateDisposed, h.State())
	}
	created := factory.created()
	require.Len(t, created, 3)
	assert.True(t, created[0].isClosed())
	assert.True(t, created[0].unsubscribed)
	assert.True(t, created[1].isClosed())

	current := s.Registry().List("payments")
	require.Len(t, current, 1)
	assert.Equal(t, StateConsuming, current[0].State())
	assert.Equal(t, created[2].ID(), current[0].ID())
}

func TestSupervisor_HealthCheckRestoresDesiredCount(t *testing.T) {
	factory := &fakeFactory{}
	var mu sync.Mutex
	stalls := 1
	lag := &fakeLag{InspectFunc: func(context.Context, string, string) (LagStatus, error) {
		mu.Lock()
		defer mu.Unlock()
		if stalls > 0 {
			stalls--
			return LagStatus{Lag: 9, Assigned: false}, nil
		}
		return LagStatus{Lag: 9, Assigned: true}, nil
	}}
	s := newTestSupervisor(t, factory, okHandler, lag, testConfig())
	ctx := context.Background()

	_, err := s.EnsureConsumers(ctx, "payments", 3)
	require.NoError(t, err)

	require.NoError(t, s.HealthCheck(ctx))
	assert.Equal(t, 1, s.Registry().Count("payments"), "a stalled topic gets exactly one consumer")

	require.NoError(t, s.HealthCheck(ctx))
	assert.Equal(t, 3, s.Registry().Count("payments"))
	assert.Len(t, factory.created(), 6)
}

func TestSupervisor_HealthCheckLeavesHealthyTopicsAlone(t *testing.T) {
	tests := []struct {
		name   string
		status LagStatus
	}{
		{"no lag", LagStatus{Lag: 0, Assigned: false}},
		{"lag but assigned", LagStatus{Lag: 10, Assigned: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := &fakeFactory{}
			lag := &fakeLag{InspectFunc: func(context.Context, string, string) (LagStatus, error) {
				return tt.status, nil
			}}
			s := newTestSupervisor(t, factory, okHandler, lag, testConfig())
			ctx := context.Background()

			_, err := s.EnsureConsumers(ctx, "payments", 1)
			require.NoError(t, err)
			require.NoError(t, s.HealthCheck(ctx))

			assert.Len(t, factory.created(), 1)
			assert.Equal(t, 1, s.Registry().Count("payments"))
		})
	}
}

func TestSupervisor_ConcurrentHealthChecksRegisterOnce(t *testing.T) {
	factory := &fakeFactory{}
	s := newTestSupervisor(t, factory, okHandler, stalled(5), testConfig())
	ctx := context.Background()

	_, err := s.EnsureConsumers(ctx, "payments", 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.HealthCheck(ctx))
		}()
	}
	wg.Wait()

	current := s.Registry().List("payments")
	require.Len(t, current, 1)

	live := 0
	for _, c := range factory.created() {
		if !c.isClosed() {
			live++
			assert.Equal(t, current[0].ID(), c.ID())
		}
	}
	assert.Equal(t, 1, live)
}

func TestSupervisor_RunHealthChecksTicks(t *testing.T) {
	lag := &fakeLag{}
	s := newTestSupervisor(t, &fakeFactory{}, okHandler, lag, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.EnsureConsumers(ctx, "payments", 1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.RunHealthChecks(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return lag.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestSupervisor_ShutdownDisposesEverything(t *testing.T) {
	factory := &fakeFactory{}
	s := newTestSupervisor(t, factory, okHandler, nil, testConfig())
	ctx := context.Background()

	_, err := s.EnsureConsumers(ctx, "payments", 2)
	require.NoError(t, err)
	_, err = s.EnsureConsumers(ctx, "refunds", 1)
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(shutdownCtx))

	assert.Empty(t, s.Registry().Topics())
	for _, c := range factory.created() {
		assert.True(t, c.isClosed())
	}

	_, err = s.EnsureConsumers(ctx, "payments", 1)
	assert.ErrorIs(t, err, ErrConsumerClosed)
}
