// Package pgstore is a PostgreSQL event store backend. Streams share one
// append-only table; appends to a stream are serialised with a transaction
// scoped advisory lock and announced with NOTIFY.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/eventstore"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Channel is the NOTIFY channel appends announce on. The payload is the
// stream name.
const Channel = "ledger_events"

// Schema creates the events table.
//
//go:embed schema.sql
var Schema string

// Store implements eventstore.Backend on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Open connects to dsn and checks the connection.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("Open: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("Open: first connection: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, log zerolog.Logger) *Store {
	return &Store{pool: pool, log: log}
}

// Migrate creates the schema if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}

// WithTx runs f in a transaction, committing when f succeeds.
func WithTx(ctx context.Context, pool *pgxpool.Pool, f func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Append implements eventstore.Backend.
func (s *Store) Append(ctx context.Context, stream string, records []eventstore.Record) error {
	err := WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, stream); err != nil {
			return fmt.Errorf("lock stream: %w", err)
		}

		var next int64
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(stream_position) + 1, 0) FROM ledger_events WHERE stream = $1`,
			stream).Scan(&next)
		if err != nil {
			return fmt.Errorf("next position: %w", err)
		}

		batch := &pgx.Batch{}
		for i, rec := range records {
			meta := rec.Metadata
			if len(meta) == 0 {
				meta = []byte("{}")
			}
			batch.Queue(`INSERT INTO ledger_events
				(event_id, stream, stream_position, event_type, data, metadata)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				rec.EventID.String(), stream, next+int64(i), rec.EventType, rec.Data, meta)
		}
		batch.Queue(`SELECT pg_notify($1, $2)`, Channel, stream)

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("Append: %s: %w", stream, err)
	}
	return nil
}

const selectColumns = `event_id::text, stream, stream_position, global_position, event_type, data, metadata, created_at`

// Read implements eventstore.Backend.
func (s *Store) Read(ctx context.Context, stream string, from uint64, limit int) ([]eventstore.Record, error) {
	if limit <= 0 {
		limit = eventstore.DefaultPageSize
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM ledger_events
		 WHERE stream = $1 AND stream_position >= $2
		 ORDER BY stream_position LIMIT $3`,
		stream, int64(from), limit)
	if err != nil {
		return nil, fmt.Errorf("Read: %s: %w", stream, err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("Read: %s: %w", stream, err)
	}

	if len(records) == 0 && from == 0 {
		return nil, fmt.Errorf("Read: %s: %w", stream, eventstore.ErrStreamNotFound)
	}
	return records, nil
}

// Streams implements eventstore.Backend.
func (s *Store) Streams(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT stream FROM ledger_events WHERE stream LIKE $1 ORDER BY stream`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("Streams: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("Streams: %w", err)
	}
	return names, nil
}

// Close implements eventstore.Backend.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanRecords(rows pgx.Rows) ([]eventstore.Record, error) {
	defer rows.Close()

	var records []eventstore.Record
	for rows.Next() {
		var (
			rec       eventstore.Record
			eventID   string
			streamPos int64
			globalPos int64
			createdAt time.Time
		)
		if err := rows.Scan(&eventID, &rec.Stream, &streamPos, &globalPos,
			&rec.EventType, &rec.Data, &rec.Metadata, &createdAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(eventID)
		if err != nil {
			return nil, fmt.Errorf("event id %q: %w", eventID, err)
		}
		rec.EventID = id
		rec.StreamPosition = uint64(streamPos)
		rec.GlobalPosition = uint64(globalPos)
		rec.CreatedAt = createdAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

var errSubscriptionClosed = errors.New("subscription closed")
