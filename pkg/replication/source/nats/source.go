// Package nats reads messages newer than a watermark from a JetStream stream.
//
// Every fetch creates an ephemeral pull consumer that starts delivering at the
// watermark time and drains it until no messages are pending, so nothing is
// acknowledged and no consumer state outlives a cycle. Message payloads must be
// JSON objects; the stream timestamp is the ordering value and the stream
// sequence the document id.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edgeflare/logsync/pkg/metrics"
	"github.com/edgeflare/logsync/pkg/replication"
	"github.com/edgeflare/logsync/pkg/util"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config represents NATS configuration
type Config struct {
	Servers  []string `mapstructure:"servers"`
	Stream   string   `mapstructure:"stream"`
	Subject  string   `mapstructure:"subject"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	// FetchSize is the number of messages requested per pull
	FetchSize int             `mapstructure:"fetchSize"`
	FetchWait time.Duration   `mapstructure:"fetchWait"`
	TLS       util.TLSOptions `mapstructure:"tls"`
}

func defaultConfig() Config {
	return Config{
		Servers:   util.GetEnvListOrDefault("LOGSYNC_NATS_SERVERS", []string{nats.DefaultURL}),
		Username:  util.GetEnvOrDefault("LOGSYNC_NATS_USERNAME", ""),
		Password:  util.GetEnvOrDefault("LOGSYNC_NATS_PASSWORD", ""),
		FetchSize: 500,
		FetchWait: 2 * time.Second,
	}
}

func (c Config) validate() error {
	if c.Stream == "" {
		return errors.New("nats: stream is required")
	}
	if c.Subject == "" {
		return errors.New("nats: subject is required")
	}
	if c.FetchSize <= 0 {
		return errors.New("nats: fetchSize must be positive")
	}
	return nil
}

// Source is a replication.Fetcher over one JetStream stream.
type Source struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
	name   string
	cfg    Config
}

func New(name string, cfg Config, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opts, err := options(name, cfg)
	if err != nil {
		return nil, err
	}

	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream %s: %w", cfg.Stream, err)
	}

	logger.Info("nats source connected",
		zap.String("source", name),
		zap.String("stream", cfg.Stream),
		zap.String("subject", cfg.Subject))
	return &Source{nc: nc, js: js, logger: logger, name: name, cfg: cfg}, nil
}

func options(name string, c Config) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name("logsync-" + name),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.MaxReconnects(-1),
	}
	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}
	tlsConfig, err := util.TLSConfig(c.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, nats.Secure(tlsConfig))
	}
	return opts, nil
}

func (s *Source) Fetch(ctx context.Context, since time.Time) ([]replication.Record, error) {
	sub, err := s.js.PullSubscribe(s.cfg.Subject, "",
		nats.BindStream(s.cfg.Stream),
		nats.StartTime(since),
		nats.AckNone(),
		nats.InactiveThreshold(time.Minute),
	)
	if err != nil {
		return nil, replication.Unavailable(s.name, fmt.Errorf("create consumer: %w", err))
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("failed to remove consumer", zap.String("source", s.name), zap.Error(err))
		}
	}()

	info, err := sub.ConsumerInfo()
	if err != nil {
		return nil, replication.Unavailable(s.name, fmt.Errorf("consumer info: %w", err))
	}
	if info.NumPending == 0 {
		return nil, nil
	}

	var records []replication.Record
	for {
		if err := ctx.Err(); err != nil {
			return nil, replication.Unavailable(s.name, err)
		}
		msgs, err := sub.Fetch(s.cfg.FetchSize, nats.MaxWait(s.cfg.FetchWait))
		if errors.Is(err, nats.ErrTimeout) {
			return records, nil
		}
		if err != nil {
			return nil, replication.Unavailable(s.name, fmt.Errorf("fetch: %w", err))
		}

		pending := uint64(0)
		for _, msg := range msgs {
			meta, err := msg.Metadata()
			if err != nil {
				return nil, replication.Unavailable(s.name, fmt.Errorf("message metadata: %w", err))
			}
			pending = meta.NumPending
			if r, ok := s.toRecord(meta, msg.Data, since); ok {
				records = append(records, r)
			}
		}
		if len(msgs) == 0 || pending == 0 {
			return records, nil
		}
	}
}

// toRecord converts one message. Messages at the watermark itself and payloads
// that are not JSON objects are dropped.
func (s *Source) toRecord(meta *nats.MsgMetadata, data []byte, since time.Time) (replication.Record, bool) {
	if !meta.Timestamp.After(since) {
		return nil, false
	}
	columns, err := replication.DecodeColumns(data)
	if err != nil {
		s.logger.Warn("skipping undecodable message",
			zap.String("source", s.name),
			zap.String("stream", meta.Stream),
			zap.Uint64("sequence", meta.Sequence.Stream),
			zap.Error(err))
		metrics.RecordsSkipped.WithLabelValues(s.name, "decode").Inc()
		return nil, false
	}
	return replication.Row{
		Columns:  columns,
		Ordering: meta.Timestamp.UTC(),
		ID:       fmt.Sprintf("%s-%d", meta.Stream, meta.Sequence.Stream),
	}, true
}

func (s *Source) Close() error {
	if s.nc != nil {
		return s.nc.Drain()
	}
	return nil
}

func init() {
	replication.RegisterSource(replication.ConnectorNATS, func(_ context.Context, desc replication.Descriptor, logger *zap.Logger) (replication.Fetcher, error) {
		cfg := defaultConfig()
		if err := replication.DecodeConfig(desc.Config, &cfg); err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		return New(desc.Name, cfg, logger)
	})
}
