package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/allmantool/hbudget-ledger/internal/eventstore"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Subscribe implements eventstore.Backend. One pooled connection is held
// for LISTEN; each notification triggers a catch-up read of the announced
// stream from the last delivered position.
func (s *Store) Subscribe(ctx context.Context, stream string) (eventstore.Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("Subscribe: acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+Channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("Subscribe: listen: %w", err)
	}

	var start int64
	if err := conn.QueryRow(ctx, `SELECT COALESCE(MAX(global_position), 0) FROM ledger_events`).Scan(&start); err != nil {
		conn.Release()
		return nil, fmt.Errorf("Subscribe: start position: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		store:   s,
		conn:    conn,
		stream:  stream,
		start:   start,
		next:    make(map[string]int64),
		records: make(chan eventstore.Record, 256),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go sub.run(subCtx)
	return sub, nil
}

type subscription struct {
	store  *Store
	conn   *pgxpool.Conn
	stream string
	start  int64
	next   map[string]int64

	records chan eventstore.Record
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscription) Records() <-chan eventstore.Record { return s.records }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.records)
	defer func() {
		// the connection has an outstanding LISTEN; do not hand it back
		s.conn.Hijack().Close(context.Background())
	}()

	for {
		n, err := s.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(fmt.Errorf("wait for notification: %w", err))
			}
			return
		}
		if s.stream != "" && n.Payload != s.stream {
			continue
		}
		if err := s.catchUp(ctx, n.Payload); err != nil {
			if !errors.Is(err, errSubscriptionClosed) && ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
	}
}

func (s *subscription) catchUp(ctx context.Context, stream string) error {
	from, seen := s.next[stream]
	rows, err := s.store.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM ledger_events
		 WHERE stream = $1 AND stream_position >= $2 AND ($3 OR global_position > $4)
		 ORDER BY stream_position`,
		stream, from, seen, s.start)
	if err != nil {
		return fmt.Errorf("catch up %s: %w", stream, err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return fmt.Errorf("catch up %s: %w", stream, err)
	}

	for _, rec := range records {
		select {
		case s.records <- rec:
			s.next[stream] = int64(rec.StreamPosition) + 1
		case <-ctx.Done():
			return errSubscriptionClosed
		}
	}
	return nil
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.store.log.Error().Err(err).Msg("Event subscription failed")
}
