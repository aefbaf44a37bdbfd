// Package clickhouse reads rows newer than a watermark from a ClickHouse table
// over the native protocol.
package clickhouse

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/edgeflare/logsync/pkg/replication"
	"github.com/edgeflare/logsync/pkg/util"
	"go.uber.org/zap"
)

// sinceLayout is the DateTime64(9) literal passed to toDateTime64.
const sinceLayout = "2006-01-02 15:04:05.000000000"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Config struct {
	Addr     []string `mapstructure:"addr"`
	Database string   `mapstructure:"database"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	Table    string   `mapstructure:"table"`
	// OrderBy is the DateTime/DateTime64 column used as the cursor
	OrderBy string `mapstructure:"orderBy"`
	// Columns to select, all columns when empty
	Columns []string `mapstructure:"columns"`
	// IDColumn supplies the sink document id. A content hash is used when empty.
	IDColumn    string          `mapstructure:"idColumn"`
	DialTimeout time.Duration   `mapstructure:"dialTimeout"`
	Compression bool            `mapstructure:"compression"`
	TLS         util.TLSOptions `mapstructure:"tls"`
}

func defaultConfig() Config {
	return Config{
		Addr:        util.GetEnvListOrDefault("LOGSYNC_CLICKHOUSE_ADDR", []string{"localhost:9000"}),
		Database:    util.GetEnvOrDefault("LOGSYNC_CLICKHOUSE_DATABASE", "default"),
		Username:    util.GetEnvOrDefault("LOGSYNC_CLICKHOUSE_USERNAME", "default"),
		Password:    util.GetEnvOrDefault("LOGSYNC_CLICKHOUSE_PASSWORD", ""),
		OrderBy:     "timestamp",
		DialTimeout: 10 * time.Second,
	}
}

// Source is a replication.Fetcher over one ClickHouse table.
type Source struct {
	conn   driver.Conn
	logger *zap.Logger
	name   string
	query  string
	cfg    Config
}

// New opens a connection and verifies it with a ping.
func New(ctx context.Context, name string, cfg Config, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	query, err := buildQuery(cfg)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := util.TLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	opts := &clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		TLS:         tlsConfig,
	}
	if cfg.Compression {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("clickhouse source connected",
		zap.String("source", name),
		zap.Strings("addr", cfg.Addr),
		zap.String("table", cfg.Database+"."+cfg.Table))
	return &Source{conn: conn, logger: logger, name: name, query: query, cfg: cfg}, nil
}

// buildQuery renders the cursor query. Identifiers are validated since they
// cannot be bound as parameters.
func buildQuery(cfg Config) (string, error) {
	if cfg.Table == "" {
		return "", fmt.Errorf("clickhouse: table is required")
	}
	for _, id := range append([]string{cfg.Database, cfg.Table, cfg.OrderBy}, cfg.Columns...) {
		if !identifier.MatchString(id) {
			return "", fmt.Errorf("clickhouse: invalid identifier %q", id)
		}
	}
	if cfg.IDColumn != "" && !identifier.MatchString(cfg.IDColumn) {
		return "", fmt.Errorf("clickhouse: invalid identifier %q", cfg.IDColumn)
	}

	cols := "*"
	if len(cfg.Columns) > 0 {
		quoted := make([]string, len(cfg.Columns))
		for i, c := range cfg.Columns {
			quoted[i] = quote(c)
		}
		cols = strings.Join(quoted, ", ")
	}
	return fmt.Sprintf("SELECT %s FROM %s.%s WHERE %s > toDateTime64(?, 9, 'UTC') ORDER BY %s ASC",
		cols, quote(cfg.Database), quote(cfg.Table), quote(cfg.OrderBy), quote(cfg.OrderBy)), nil
}

func quote(id string) string { return "`" + id + "`" }

func (s *Source) Fetch(ctx context.Context, since time.Time) ([]replication.Record, error) {
	rows, err := s.conn.Query(ctx, s.query, since.UTC().Format(sinceLayout))
	if err != nil {
		return nil, replication.Unavailable(s.name, fmt.Errorf("query: %w", err))
	}
	defer rows.Close()

	columnTypes := rows.ColumnTypes()
	var records []replication.Record
	for rows.Next() {
		dest := make([]any, len(columnTypes))
		for i, ct := range columnTypes {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, replication.Unavailable(s.name, fmt.Errorf("scan: %w", err))
		}

		columns := make(map[string]any, len(columnTypes))
		for i, ct := range columnTypes {
			columns[ct.Name()] = reflect.ValueOf(dest[i]).Elem().Interface()
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
	ordering, err := orderingOf(columns[s.cfg.OrderBy])
	if err != nil {
		return replication.Row{}, fmt.Errorf("column %s: %w", s.cfg.OrderBy, err)
	}
	row := replication.Row{Columns: columns, Ordering: ordering}
	if s.cfg.IDColumn != "" {
		if v, ok := columns[s.cfg.IDColumn]; ok && v != nil {
			row.ID = fmt.Sprint(deref(v))
		}
	}
	if row.ID == "" {
		row.ID = replication.ContentID(s.name, ordering, columns)
	}
	return row, nil
}

func orderingOf(v any) (time.Time, error) {
	switch t := deref(v).(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return time.Parse(sinceLayout, t)
	case nil:
		return time.Time{}, fmt.Errorf("ordering value is null")
	default:
		return time.Time{}, fmt.Errorf("unsupported ordering type %T", v)
	}
}

func deref(v any) any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil
	}
	return rv.Interface()
}

func (s *Source) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func init() {
	replication.RegisterSource(replication.ConnectorClickHouse, func(ctx context.Context, desc replication.Descriptor, logger *zap.Logger) (replication.Fetcher, error) {
		cfg := defaultConfig()
		if err := replication.DecodeConfig(desc.Config, &cfg); err != nil {
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		return New(ctx, desc.Name, cfg, logger)
	})
}
