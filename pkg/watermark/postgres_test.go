package watermark

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/edgeflare/logsync/internal/testutil/pgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()
	table := fmt.Sprintf("logsync_watermarks_test_%d", time.Now().UnixNano())

	s, err := NewPostgresStoreFromPool(ctx, pgtest.Pool(t), table, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+s.table.Sanitize())
	})

	w, err := s.Load(ctx, "logs")
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(-DefaultLookback), w.LastProcessed)

	ts := time.Date(2025, 6, 1, 10, 15, 30, 123456789, time.UTC)
	require.NoError(t, s.Save(ctx, Watermark{SourceID: "logs", LastProcessed: ts}))
	require.NoError(t, s.Save(ctx, Watermark{SourceID: "logs", LastProcessed: ts.Add(time.Second)}))

	w, err = s.Load(ctx, "logs")
	require.NoError(t, err)
	assert.True(t, ts.Add(time.Second).Equal(w.LastProcessed))

	other, err := s.Load(ctx, "warn_logs")
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(-DefaultLookback), other.LastProcessed)
}
