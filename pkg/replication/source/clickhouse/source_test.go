package clickhouse

import (
	"testing"
	"time"

	"github.com/edgeflare/logsync/pkg/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{
			name: "all columns",
			cfg:  Config{Database: "default", Table: "logs", OrderBy: "timestamp"},
			want: "SELECT * FROM `default`.`logs` WHERE `timestamp` > toDateTime64(?, 9, 'UTC') ORDER BY `timestamp` ASC",
		},
		{
			name: "selected columns",
			cfg:  Config{Database: "app", Table: "warn_logs", OrderBy: "ts", Columns: []string{"ts", "ip", "path"}},
			want: "SELECT `ts`, `ip`, `path` FROM `app`.`warn_logs` WHERE `ts` > toDateTime64(?, 9, 'UTC') ORDER BY `ts` ASC",
		},
		{name: "missing table", cfg: Config{Database: "default", OrderBy: "timestamp"}, wantErr: true},
		{name: "injection in table", cfg: Config{Database: "default", Table: "logs; DROP TABLE x", OrderBy: "timestamp"}, wantErr: true},
		{name: "invalid id column", cfg: Config{Database: "default", Table: "logs", OrderBy: "timestamp", IDColumn: "a-b"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildQuery(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSinceLayout(t *testing.T) {
	since := time.Date(2025, 6, 1, 10, 15, 30, 123456789, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "2025-06-01 08:15:30.123456789", since.UTC().Format(sinceLayout))
}

func TestToRow(t *testing.T) {
	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	msg := "disk full"

	t.Run("id column", func(t *testing.T) {
		s := &Source{name: "logs", cfg: Config{OrderBy: "timestamp", IDColumn: "id"}}
		row, err := s.toRow(map[string]any{"timestamp": ts, "id": uint64(42), "message": &msg})
		require.NoError(t, err)
		assert.Equal(t, ts, row.Ordering)
		assert.Equal(t, "42", row.ID)
	})

	t.Run("content id is stable", func(t *testing.T) {
		s := &Source{name: "logs", cfg: Config{OrderBy: "timestamp"}}
		a, err := s.toRow(map[string]any{"timestamp": ts, "message": "a"})
		require.NoError(t, err)
		b, err := s.toRow(map[string]any{"timestamp": ts, "message": "a"})
		require.NoError(t, err)
		c, err := s.toRow(map[string]any{"timestamp": ts, "message": "c"})
		require.NoError(t, err)

		assert.NotEmpty(t, a.ID)
		assert.Equal(t, a.ID, b.ID)
		assert.NotEqual(t, a.ID, c.ID)
	})

	t.Run("nullable ordering", func(t *testing.T) {
		s := &Source{name: "logs", cfg: Config{OrderBy: "timestamp"}}
		row, err := s.toRow(map[string]any{"timestamp": &ts})
		require.NoError(t, err)
		assert.Equal(t, ts, row.Ordering)

		var null *time.Time
		_, err = s.toRow(map[string]any{"timestamp": null})
		assert.Error(t, err)
	})

	t.Run("missing ordering column", func(t *testing.T) {
		s := &Source{name: "logs", cfg: Config{OrderBy: "timestamp"}}
		_, err := s.toRow(map[string]any{"message": "x"})
		assert.Error(t, err)
	})
}

func TestFactoryRejectsBadConfig(t *testing.T) {
	_, err := replication.NewFetcher(t.Context(), replication.Descriptor{
		Name:      "logs",
		Connector: replication.ConnectorClickHouse,
		Config:    map[string]any{"table": "bad table"},
	}, nil)
	assert.Error(t, err)
}
