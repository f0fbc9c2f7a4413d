package eventlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

const ddlEvents = `
CREATE TABLE IF NOT EXISTS clap_events (
    id           BIGSERIAL         PRIMARY KEY,
    kind         TEXT              NOT NULL,
    at           TIMESTAMPTZ       NOT NULL DEFAULT now(),
    stream_ts    DOUBLE PRECISION  NOT NULL DEFAULT 0,
    interval_s   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    loudness     DOUBLE PRECISION  NOT NULL DEFAULT 0,
    source       TEXT              NOT NULL DEFAULT '',
    message      TEXT              NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_clap_events_kind_at
    ON clap_events (kind, at DESC);
`

// Migrate creates the events table if it does not exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlEvents); err != nil {
		return fmt.Errorf("eventlog migrate: %w", err)
	}
	return nil
}

// PostgresStore persists events in a clap_events table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection and runs
// [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("eventlog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventlog: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Append implements [Store].
func (s *PostgresStore) Append(ctx context.Context, e Event) (Event, error) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	const q = `
		INSERT INTO clap_events (kind, at, stream_ts, interval_s, loudness, source, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := s.pool.QueryRow(ctx, q,
		string(e.Kind),
		e.At,
		e.Timestamp,
		e.Interval,
		e.Loudness,
		e.Source,
		e.Message,
	).Scan(&e.ID)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: append: %w", err)
	}
	return e, nil
}

// Recent implements [Store].
func (s *PostgresStore) Recent(ctx context.Context, q Query) ([]Event, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if q.Kind != "" {
		conditions = append(conditions, "kind = "+next(string(q.Kind)))
	}
	if !q.Since.IsZero() {
		conditions = append(conditions, "at >= "+next(q.Since))
	}

	sql := "SELECT id, kind, at, stream_ts, interval_s, loudness, source, message\n" +
		"FROM   clap_events\n"
	if len(conditions) > 0 {
		sql += "WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n"
	}
	sql += "ORDER  BY id DESC\nLIMIT  " + next(q.limit())

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: recent: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var (
			e    Event
			kind string
		)
		if err := row.Scan(&e.ID, &kind, &e.At, &e.Timestamp, &e.Interval, &e.Loudness, &e.Source, &e.Message); err != nil {
			return Event{}, err
		}
		e.Kind = Kind(kind)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog: scan rows: %w", err)
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
