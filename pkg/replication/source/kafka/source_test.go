package kafka

import (
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/edgeflare/logsync/pkg/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func msg(topic string, partition int32, offset int64, ts time.Time, value string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Timestamp: ts,
		Value:     []byte(value),
	}
}

func TestMerge(t *testing.T) {
	msgs := []*sarama.ConsumerMessage{
		msg("app-logs", 0, 10, base.Add(3*time.Second), `{}`),
		msg("app-logs", 0, 11, base.Add(5*time.Second), `{}`),
		msg("app-logs", 1, 4, base, `{}`), // equal to the watermark
		msg("app-logs", 1, 5, base.Add(3*time.Second), `{}`),
		msg("app-logs", 1, 6, base.Add(4*time.Second), `{}`),
	}

	offsets := func(got []*sarama.ConsumerMessage) []int64 {
		var order []int64
		for _, m := range got {
			order = append(order, m.Offset)
		}
		return order
	}

	tests := []struct {
		name  string
		until time.Time
		want  []int64
	}{
		{name: "no upper bound", want: []int64{10, 5, 6, 11}},
		{name: "settle window holds back recent messages", until: base.Add(4 * time.Second), want: []int64{10, 5, 6}},
		{name: "bound is inclusive", until: base.Add(3 * time.Second), want: []int64{10, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, offsets(merge(slices.Clone(msgs), base, tt.until)))
		})
	}
}

func TestToRecords(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := &Source{name: "app", logger: zap.New(core)}

	records := s.toRecords([]*sarama.ConsumerMessage{
		msg("app-logs", 0, 1, base, `{"level":"ERROR","message":"boom","error_code":1001}`),
		msg("app-logs", 0, 2, base.Add(time.Second), `not json`),
		msg("app-logs", 0, 3, base.Add(2*time.Second), `["array"]`),
		msg("app-logs", 0, 4, base.Add(3*time.Second), ``),
		msg("app-logs", 1, 7, base.Add(4*time.Second), `{"level":"INFO","@timestamp":"2025-01-01T00:00:00Z"}`),
	})

	require.Len(t, records, 2)
	assert.Equal(t, 3, logs.FilterMessage("skipping undecodable message").Len())

	first := records[0].(replication.Row)
	assert.Equal(t, "app-logs-0-1", first.ID)
	assert.Equal(t, base, first.Ordering)
	assert.Equal(t, json.Number("1001"), first.Columns["error_code"])
	assert.Equal(t, "2025-06-01T10:00:00Z", first.Document()[replication.TimestampField])

	// a producer supplied @timestamp is kept
	second := records[1].(replication.Row)
	assert.Equal(t, "app-logs-1-7", second.ID)
	assert.Equal(t, "2025-01-01T00:00:00Z", second.Document()[replication.TimestampField])
}

func TestToSaramaConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		check   func(t *testing.T, c *sarama.Config)
		wantErr bool
	}{
		{
			name: "defaults",
			check: func(t *testing.T, c *sarama.Config) {
				assert.True(t, c.Version.IsAtLeast(sarama.V2_1_0_0))
				assert.False(t, c.Net.SASL.Enable)
				assert.False(t, c.Net.TLS.Enable)
				assert.False(t, c.Consumer.Offsets.AutoCommit.Enable)
				assert.Equal(t, "logsync", c.ClientID)
			},
		},
		{
			name: "scram sha512",
			mutate: func(c *Config) {
				c.SASL = SASL{Enable: true, Username: "u", Password: "p", Algorithm: "sha512"}
			},
			check: func(t *testing.T, c *sarama.Config) {
				assert.True(t, c.Net.SASL.Enable)
				assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), c.Net.SASL.Mechanism)
				require.NotNil(t, c.Net.SASL.SCRAMClientGeneratorFunc)
				assert.IsType(t, &XDGSCRAMClient{}, c.Net.SASL.SCRAMClientGeneratorFunc())
			},
		},
		{
			name: "plain",
			mutate: func(c *Config) {
				c.SASL = SASL{Enable: true, Username: "u", Password: "p", Algorithm: "plain"}
			},
			check: func(t *testing.T, c *sarama.Config) {
				assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypePlaintext), c.Net.SASL.Mechanism)
			},
		},
		{
			name:   "tls skip verify",
			mutate: func(c *Config) { c.TLS.Enable = true; c.TLS.SkipVerify = true },
			check: func(t *testing.T, c *sarama.Config) {
				assert.True(t, c.Net.TLS.Enable)
				assert.True(t, c.Net.TLS.Config.InsecureSkipVerify)
			},
		},
		{name: "bad algorithm", mutate: func(c *Config) { c.SASL = SASL{Enable: true, Algorithm: "md5"} }, wantErr: true},
		{name: "bad version", mutate: func(c *Config) { c.Version = "x.y" }, wantErr: true},
		{name: "too old for timestamp lookup", mutate: func(c *Config) { c.Version = "0.10.0.0" }, wantErr: true},
		{name: "no topics", mutate: func(c *Config) { c.Topics = nil }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Brokers = []string{"localhost:9092"}
			cfg.Topics = []string{"app-logs"}
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			got, err := cfg.ToSaramaConfig()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, got)
		})
	}
}

func TestSCRAMClient(t *testing.T) {
	c := &XDGSCRAMClient{HashGeneratorFcn: SHA256}
	require.NoError(t, c.Begin("user", "pencil", ""))
	first, err := c.Step("")
	require.NoError(t, err)
	assert.Contains(t, first, "n=user")
	assert.False(t, c.Done())
}

func TestDecodeConfig(t *testing.T) {
	cfg := defaultConfig()
	err := replication.DecodeConfig(map[string]any{
		"brokers":     "k1:9092,k2:9092",
		"topics":      []any{"app-logs"},
		"idleTimeout": "2s",
		"settle":      "30s",
		"sasl":        map[string]any{"enable": true, "algorithm": "sha256"},
	}, &cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers)
	assert.Equal(t, []string{"app-logs"}, cfg.Topics)
	assert.Equal(t, 2*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.Settle)
	assert.True(t, cfg.SASL.Enable)
	assert.Equal(t, "sha256", cfg.SASL.Algorithm)
	assert.Equal(t, "2.1.1", cfg.Version)
}
