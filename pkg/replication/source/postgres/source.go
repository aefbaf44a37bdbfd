// Package postgres reads rows newer than a watermark from a PostgreSQL table.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/edgeflare/logsync/pkg/replication"
	"github.com/edgeflare/logsync/pkg/util"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type Config struct {
	ConnString string   `mapstructure:"connString"`
	Schema     string   `mapstructure:"schema"`
	Table      string   `mapstructure:"table"`
	OrderBy    string   `mapstructure:"orderBy"`
	Columns    []string `mapstructure:"columns"`
	IDColumn   string   `mapstructure:"idColumn"`
}

func defaultConfig() Config {
	return Config{
		ConnString: util.GetEnvOrDefault("LOGSYNC_POSTGRES_CONN_STRING", util.GetEnvOrDefault("DATABASE_URL", "")),
		Schema:     "public",
		OrderBy:    "timestamp",
	}
}

// Source is a replication.Fetcher over one table.
type Source struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	name   string
	query  string
	cfg    Config
}

func New(ctx context.Context, name string, cfg Config, logger *zap.Logger) (*Source, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connString is required")
	}
	pool, err := pgxpool.New(ctx, cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return NewFromPool(name, pool, cfg, logger)
}

// NewFromPool builds a Source on an existing pool. The pool is closed by Close.
func NewFromPool(name string, pool *pgxpool.Pool, cfg Config, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	query, err := buildQuery(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("postgres source connected",
		zap.String("source", name),
		zap.String("table", cfg.Schema+"."+cfg.Table))
	return &Source{pool: pool, logger: logger, name: name, query: query, cfg: cfg}, nil
}

func buildQuery(cfg Config) (string, error) {
	if cfg.Table == "" {
		return "", fmt.Errorf("postgres: table is required")
	}
	if cfg.OrderBy == "" {
		return "", fmt.Errorf("postgres: orderBy is required")
	}
	cols := "*"
	if len(cfg.Columns) > 0 {
		quoted := make([]string, len(cfg.Columns))
		for i, c := range cfg.Columns {
			quoted[i] = pgx.Identifier{c}.Sanitize()
		}
		cols = strings.Join(quoted, ", ")
	}
	table := pgx.Identifier{cfg.Table}
	if cfg.Schema != "" {
		table = pgx.Identifier{cfg.Schema, cfg.Table}
	}
	orderBy := pgx.Identifier{cfg.OrderBy}.Sanitize()
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s > $1 ORDER BY %s ASC",
		cols, table.Sanitize(), orderBy, orderBy), nil
}

func (s *Source) Fetch(ctx context.Context, since time.Time) ([]replication.Record, error) {
	rows, err := s.pool.Query(ctx, s.query, since.UTC())
	if err != nil {
		return nil, replication.Unavailable(s.name, fmt.Errorf("query: %w", err))
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var records []replication.Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, replication.Unavailable(s.name, fmt.Errorf("scan: %w", err))
		}
		columns := make(map[string]any, len(fields))
		for i, fd := range fields {
			columns[fd.Name] = normalize(values[i])
		}
		row, err := s.toRow(columns)
		if err != nil {
			return nil, replication.Unavailable(s.name, err)
		}
		records = append(records, row)
	}
	if err := rows.Err(); err != nil {
		return nil, replication.Unavailable(s.name, fmt.Errorf("rows: %w", err))
	}
	return records, nil
}

func (s *Source) toRow(columns map[string]any) (replication.Row, error) {
	ordering, err := replication.ParseTime(columns[s.cfg.OrderBy])
	if err != nil {
		return replication.Row{}, fmt.Errorf("column %s: %w", s.cfg.OrderBy, err)
	}
	row := replication.Row{Columns: columns, Ordering: ordering}
	if s.cfg.IDColumn != "" {
		if v := columns[s.cfg.IDColumn]; v != nil {
			row.ID = fmt.Sprint(v)
		}
	}
	if row.ID == "" {
		row.ID = replication.ContentID(s.name, ordering, columns)
	}
	return row, nil
}

// normalize converts driver values that do not marshal to meaningful JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case [16]byte:
		return uuid.UUID(t).String()
	case time.Time:
		return t.UTC()
	}
	return v
}

func (s *Source) Close() error {
	s.pool.Close()
	return nil
}

func init() {
	replication.RegisterSource(replication.ConnectorPostgres, func(ctx context.Context, desc replication.Descriptor, logger *zap.Logger) (replication.Fetcher, error) {
		cfg := defaultConfig()
		if err := replication.DecodeConfig(desc.Config, &cfg); err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return New(ctx, desc.Name, cfg, logger)
	})
}
