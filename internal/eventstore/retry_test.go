package eventstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/allmantool/hbudget-ledger/internal/eventstore"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := eventstore.DefaultRetryPolicy()
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))

	p.MaxDelay = 5 * time.Second
	assert.Equal(t, 5*time.Second, p.Delay(3))

	p.Jitter = time.Second
	d := p.Delay(1)
	assert.GreaterOrEqual(t, d, 2*time.Second)
	assert.Less(t, d, 3*time.Second)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	attempts, err := eventstore.Retry(context.Background(), fastPolicy(5), eventstore.IsTransient,
		func(context.Context, int) error {
			calls++
			return permanent
		})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	attempts, err := eventstore.Retry(context.Background(), fastPolicy(5), eventstore.IsTransient,
		func(_ context.Context, attempt int) error {
			if attempt < 4 {
				return status.Error(codes.ResourceExhausted, "throttled")
			}
			return nil
		})

	assert.NoError(t, err)
	assert.Equal(t, 4, attempts)
}

func TestRetry_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := eventstore.RetryPolicy{MaxRetries: 5, BackoffBase: 2, Unit: time.Hour}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	attempts, err := eventstore.Retry(ctx, policy, eventstore.IsTransient, func(context.Context, int) error {
		return status.Error(codes.Unavailable, "down")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", status.Error(codes.DeadlineExceeded, "x"), true},
		{"unavailable", status.Error(codes.Unavailable, "x"), true},
		{"canceled", status.Error(codes.Canceled, "x"), true},
		{"resource exhausted", status.Error(codes.ResourceExhausted, "x"), true},
		{"internal", status.Error(codes.Internal, "x"), true},
		{"wrapped unavailable", fmt.Errorf("append: %w", status.Error(codes.Unavailable, "x")), true},
		{"permission denied", status.Error(codes.PermissionDenied, "x"), false},
		{"invalid argument", status.Error(codes.InvalidArgument, "x"), false},
		{"context deadline", context.DeadlineExceeded, true},
		{"validation", fmt.Errorf("%w: bad", domain.ErrValidation), false},
		{"empty batch", eventstore.ErrEmptyBatch, false},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg connection", &pgconn.PgError{Code: "08006"}, true},
		{"pg disk full", &pgconn.PgError{Code: "53100"}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, eventstore.IsTransient(tt.err))
		})
	}
}
