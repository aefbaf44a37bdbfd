package transform

import (
	"encoding/json"
	"testing"

	"github.com/edgeflare/logsync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	doc := testutil.Fixture(t, "log_entry.json")

	testCases := []struct {
		want   map[string]any
		name   string
		fields []string
	}{
		{
			name:   "Extract multi fields of different types",
			fields: []string{"level", "error_code"},
			want: map[string]any{
				"level":      "ERROR",
				"error_code": json.Number("1001"),
			},
		},
		{
			name:   "Extract only one field",
			fields: []string{"message"},
			want: map[string]any{
				"message": "Failed to connect to database.",
			},
		},
		{
			name:   "Missing fields are skipped",
			fields: []string{"message", "missing"},
			want: map[string]any{
				"message": "Failed to connect to database.",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			step := Transformation{Type: "extract", Config: map[string]any{"fields": tc.fields}}
			cfg, err := step.ToConfig()
			require.NoError(t, err)
			require.NoError(t, cfg.Validate())

			got, err := cfg.Func()(doc)
			if err != nil {
				t.Fatalf("Failed to apply transform: %v", err)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFilter(t *testing.T) {
	doc := map[string]any{"level": "WARN", "latency_ms": 250, "kubernetes": map[string]any{"namespace": "prod"}}

	tests := []struct {
		name   string
		config FilterConfig
		keep   bool
	}{
		{name: "value included", config: FilterConfig{Field: "level", Values: []string{"WARN", "ERROR"}}, keep: true},
		{name: "value not included", config: FilterConfig{Field: "level", Values: []string{"ERROR"}}, keep: false},
		{name: "value excluded", config: FilterConfig{Field: "level", Exclude: []string{"WARN"}}, keep: false},
		{name: "numeric value", config: FilterConfig{Field: "latency_ms", Values: []string{"250"}}, keep: true},
		{name: "pattern match", config: FilterConfig{Field: "level", Pattern: "^W"}, keep: true},
		{name: "pattern on missing field", config: FilterConfig{Field: "host", Pattern: ".*"}, keep: false},
		{name: "exclude on missing field", config: FilterConfig{Field: "host", Exclude: []string{"a"}}, keep: true},
		{name: "nested field", config: FilterConfig{Field: "kubernetes.namespace", Values: []string{"prod"}}, keep: true},
		{name: "nested field excluded", config: FilterConfig{Field: "kubernetes.namespace", Exclude: []string{"prod"}}, keep: false},
		{name: "nested path through scalar", config: FilterConfig{Field: "level.name", Pattern: ".*"}, keep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Filter(&tt.config)(doc)
			require.NoError(t, err)
			if tt.keep {
				assert.Equal(t, doc, got)
			} else {
				assert.Nil(t, got)
			}
		})
	}

	t.Run("invalid config", func(t *testing.T) {
		_, err := Filter(&FilterConfig{Field: "level"})(doc)
		assert.Error(t, err)
	})
}

func TestReplace(t *testing.T) {
	doc := map[string]any{"msg": "user 42 logged in", "lvl": "INFO"}

	got, err := Replace(&ReplaceConfig{
		Fields: map[string]string{"msg": "message", "lvl": "level"},
		Regex:  []RegexReplacement{{Field: "message", Pattern: `\d+`, Replace: "<id>"}},
	})(doc)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"message": "user <id> logged in", "level": "INFO"}, got)
	// the input document is left untouched
	assert.Equal(t, "user 42 logged in", doc["msg"])
}

func TestChain(t *testing.T) {
	assert.Equal(t, []string{"extract", "filter", "replace"}, Types())

	chain, err := Chain([]Transformation{
		{Type: "filter", Config: map[string]any{"field": "level", "values": []string{"ERROR"}}},
		{Type: "extract", Config: map[string]any{"fields": []string{"level", "message"}}},
		{Type: "replace", Config: map[string]any{"fields": map[string]string{"message": "msg"}}},
	})
	require.NoError(t, err)

	got, err := chain(map[string]any{"level": "ERROR", "message": "boom", "hostname": "h1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"level": "ERROR", "msg": "boom"}, got)

	got, err = chain(map[string]any{"level": "INFO", "message": "fine"})
	require.NoError(t, err)
	assert.Nil(t, got)

	t.Run("unknown type", func(t *testing.T) {
		_, err := Chain([]Transformation{{Type: "explode"}})
		assert.Error(t, err)
	})

	t.Run("invalid config fails early", func(t *testing.T) {
		_, err := Chain([]Transformation{{Type: "extract", Config: map[string]any{}}})
		assert.Error(t, err)
	})
}
