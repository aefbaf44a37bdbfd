package replication

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func rows(n int, size int) []Record {
	out := make([]Record, n)
	for i := range n {
		out[i] = Row{
			Columns:  map[string]any{"message": strings.Repeat("x", size)},
			Ordering: t0.Add(time.Duration(i+1) * time.Second),
			ID:       string(rune('a' + i)),
		}
	}
	return out
}

func encodeJSON(r Record) ([]byte, error) {
	b, err := json.Marshal(r.Document())
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func collect(t *testing.T, records []Record, maxDocs, maxBytes int) []Batch {
	t.Helper()
	var out []Batch
	for b, err := range Assemble(records, encodeJSON, maxDocs, maxBytes) {
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func lens(batches []Batch) []int {
	out := make([]int, len(batches))
	for i, b := range batches {
		out[i] = b.Len()
	}
	return out
}

func TestAssemble(t *testing.T) {
	tests := []struct {
		name     string
		records  []Record
		maxDocs  int
		maxBytes int
		want     []int
	}{
		{name: "count cap", records: rows(5, 10), maxDocs: 2, maxBytes: 1000, want: []int{2, 2, 1}},
		{name: "byte cap", records: rows(4, 200), maxDocs: 10, maxBytes: 600, want: []int{2, 2}},
		{name: "count cap applied before byte cap", records: rows(5, 200), maxDocs: 3, maxBytes: 600, want: []int{2, 1, 2}},
		{name: "oversized record alone", records: rows(1, 2000), maxDocs: 10, maxBytes: 1000, want: []int{1}},
		{name: "no caps", records: rows(7, 10), want: []int{7}},
		{name: "empty input", records: nil, maxDocs: 2, maxBytes: 100, want: []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(t, tt.records, tt.maxDocs, tt.maxBytes)
			assert.Equal(t, tt.want, lens(got))

			var flat []Record
			for _, b := range got {
				assert.Len(t, b.Entries, b.Len())
				size := 0
				for _, e := range b.Entries {
					size += len(e)
				}
				assert.Equal(t, size, b.Size)
				flat = append(flat, b.Records...)
			}
			if len(tt.records) > 0 {
				assert.Equal(t, tt.records, flat, "records must keep their order")
			}
		})
	}
}

func TestAssembleOversizedBetweenSmall(t *testing.T) {
	records := rows(3, 10)
	records[1] = Row{Columns: map[string]any{"message": strings.Repeat("y", 2000)}, Ordering: t0.Add(90 * time.Second)}

	got := collect(t, records, 10, 1000)

	require.Equal(t, []int{1, 1, 1}, lens(got))
	assert.Greater(t, got[1].Size, 1000)
	for _, b := range []Batch{got[0], got[2]} {
		assert.LessOrEqual(t, b.Size, 1000)
	}
}

func TestAssembleDeterministic(t *testing.T) {
	records := rows(9, 120)
	seq := Assemble(records, encodeJSON, 4, 400)

	var first, second []Batch
	for b, err := range seq {
		require.NoError(t, err)
		first = append(first, b)
	}
	for b, err := range seq {
		require.NoError(t, err)
		second = append(second, b)
	}
	assert.Equal(t, first, second)
}

func TestAssembleEncodeError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	encode := func(r Record) ([]byte, error) {
		calls++
		if calls == 3 {
			return nil, boom
		}
		return encodeJSON(r)
	}

	var batches int
	var gotErr error
	for b, err := range Assemble(rows(5, 10), encode, 2, 0) {
		if err != nil {
			gotErr = err
			continue
		}
		batches++
		assert.Equal(t, 2, b.Len())
	}
	assert.ErrorIs(t, gotErr, boom)
	assert.Equal(t, 1, batches)
	assert.Equal(t, 3, calls)
}

func TestAssembleStopsWhenConsumerBreaks(t *testing.T) {
	calls := 0
	encode := func(r Record) ([]byte, error) {
		calls++
		return encodeJSON(r)
	}
	for range Assemble(rows(6, 10), encode, 2, 0) {
		break
	}
	assert.Equal(t, 2, calls)
}
