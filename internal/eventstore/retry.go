package eventstore

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryPolicy is plain data describing how an operation is retried.
type RetryPolicy struct {
	// MaxRetries bounds the retries after the first attempt.
	MaxRetries int
	// BackoffBase gives delay = BackoffBase^attempt units.
	BackoffBase float64
	// Unit scales the backoff; defaults to one second.
	Unit time.Duration
	// Jitter adds up to this much random delay per wait.
	Jitter time.Duration
	// MaxDelay caps a single wait when positive.
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries three times with 2s, 4s, 8s waits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BackoffBase: 2, Unit: time.Second}
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	unit := p.Unit
	if unit <= 0 {
		unit = time.Second
	}
	base := p.BackoffBase
	if base <= 0 {
		base = 2
	}
	d := time.Duration(math.Pow(base, float64(attempt)) * float64(unit))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-retryable error, the policy
// is exhausted or ctx is done. fn receives the 1-based attempt number.
// It returns the number of attempts made and the last error.
func Retry(ctx context.Context, policy RetryPolicy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) (int, error) {
	var err error
	attempt := 0
	for {
		attempt++
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, err
		}
		if !retryable(err) || attempt > policy.MaxRetries {
			return attempt, err
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

// IsTransient reports whether err is a transient infrastructure condition
// worth retrying: gRPC DeadlineExceeded, Unavailable, Canceled,
// ResourceExhausted and Internal; Postgres connection, resource and
// serialisation failures; network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, ErrEmptyBatch) || errors.Is(err, ErrClosed) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.DeadlineExceeded, codes.Unavailable, codes.Canceled, codes.ResourceExhausted, codes.Internal:
			return true
		}
	}

	if pgconn.Timeout(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			pgErr.Code == "40001",               // serialization failure
			pgErr.Code == "40P01",               // deadlock detected
			pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
