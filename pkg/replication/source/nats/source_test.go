package nats

import (
	"testing"
	"time"

	"github.com/edgeflare/logsync/pkg/replication"
	"github.com/edgeflare/logsync/pkg/util"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestToRecord(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := &Source{name: "audit", logger: zap.New(core)}
	since := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	meta := func(seq uint64, ts time.Time) *nats.MsgMetadata {
		return &nats.MsgMetadata{
			Stream:    "AUDIT",
			Sequence:  nats.SequencePair{Stream: seq, Consumer: seq},
			Timestamp: ts,
		}
	}

	tests := []struct {
		name   string
		meta   *nats.MsgMetadata
		data   string
		wantID string
	}{
		{name: "newer message", meta: meta(7, since.Add(time.Millisecond)), data: `{"action":"login"}`, wantID: "AUDIT-7"},
		{name: "at watermark", meta: meta(6, since), data: `{"action":"login"}`},
		{name: "not an object", meta: meta(8, since.Add(time.Second)), data: `42`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := s.toRecord(tt.meta, []byte(tt.data), since)
			if tt.wantID == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.wantID, replication.IDOf(r))
			assert.Equal(t, tt.meta.Timestamp, r.OrderingValue())
			assert.Equal(t, "login", r.Document()["action"])
		})
	}
	assert.Equal(t, 1, logs.FilterMessage("skipping undecodable message").Len())
}

func TestConfig(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, replication.DecodeConfig(map[string]any{
		"servers":   "nats://a:4222,nats://b:4222",
		"stream":    "AUDIT",
		"subject":   "audit.>",
		"fetchWait": "500ms",
	}, &cfg))
	assert.NoError(t, cfg.validate())
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.Servers)
	assert.Equal(t, 500*time.Millisecond, cfg.FetchWait)
	assert.Equal(t, 500, cfg.FetchSize)

	assert.Error(t, Config{Subject: "a", FetchSize: 1}.validate())
	assert.Error(t, Config{Stream: "A", FetchSize: 1}.validate())
	assert.Error(t, Config{Stream: "A", Subject: "a"}.validate())
}

func TestOptions(t *testing.T) {
	opts, err := options("audit", Config{Username: "u", Password: "p", TLS: util.TLSOptions{Enable: true, SkipVerify: true}})
	require.NoError(t, err)

	var o nats.Options
	for _, opt := range opts {
		require.NoError(t, opt(&o))
	}
	assert.Equal(t, "logsync-audit", o.Name)
	assert.Equal(t, "u", o.User)
	assert.True(t, o.Secure)
	assert.Equal(t, -1, o.MaxReconnect)
}
