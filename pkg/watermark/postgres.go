package watermark

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTable is the table used by PostgresStore when none is configured.
const DefaultTable = "logsync_watermarks"

// PostgresStore keeps watermarks as rows of a PostgreSQL table, one per source.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table pgx.Identifier
	defaults
}

// NewPostgresStore connects to connString and creates the watermark table if it does not exist.
// table may be schema qualified ("ops.watermarks").
func NewPostgresStore(ctx context.Context, connString, table string, opts ...Option) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping connection: %w", err)
	}

	s, err := NewPostgresStoreFromPool(ctx, pool, table, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromPool uses an existing pool. The store takes ownership of it.
func NewPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool, table string, opts ...Option) (*PostgresStore, error) {
	if table == "" {
		table = DefaultTable
	}
	s := &PostgresStore{
		pool:     pool,
		table:    splitIdentifier(table),
		defaults: newDefaults(opts),
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	source_id text PRIMARY KEY,
	last_processed_timestamp text NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`, s.table.Sanitize())
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create watermark table: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Load(ctx context.Context, sourceID string) (Watermark, error) {
	if sourceID == "" {
		return Watermark{}, ErrInvalidSource
	}

	var raw string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT last_processed_timestamp FROM %s WHERE source_id = $1`, s.table.Sanitize()),
		sourceID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.initial(sourceID), nil
	}
	if err != nil {
		return Watermark{}, fmt.Errorf("query watermark: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return Watermark{}, fmt.Errorf("parse watermark %q: %w", raw, err)
	}
	return Watermark{SourceID: sourceID, LastProcessed: ts}, nil
}

func (s *PostgresStore) Save(ctx context.Context, w Watermark) error {
	if w.SourceID == "" {
		return ErrInvalidSource
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (source_id, last_processed_timestamp, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (source_id) DO UPDATE
SET last_processed_timestamp = EXCLUDED.last_processed_timestamp, updated_at = now()`, s.table.Sanitize()),
		w.SourceID, w.LastProcessed.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert watermark: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func splitIdentifier(name string) pgx.Identifier {
	if schema, table, ok := strings.Cut(name, "."); ok {
		return pgx.Identifier{schema, table}
	}
	return pgx.Identifier{name}
}
