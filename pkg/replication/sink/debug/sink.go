// Package debug provides a sink that logs batches instead of sending them.
package debug

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edgeflare/logsync/pkg/replication"
	"go.uber.org/zap"
)

// Config controls what the debug sink logs.
type Config struct {
	// Documents logs every document at debug level in addition to the batch summary
	Documents bool `mapstructure:"documents"`
	// Commit saves watermarks to the configured store as a real sink would.
	// Without it progress is kept in memory and the next run starts over.
	Commit bool `mapstructure:"commit"`
}

// Sink logs each batch and always succeeds. Unless Config.Commit is set it is
// a dry run: syncers writing to it never persist their watermark.
type Sink struct {
	logger *zap.Logger
	cfg    Config
}

func New(cfg Config, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{logger: logger.Named(replication.ConnectorDebug), cfg: cfg}
}

func (s *Sink) Encode(r replication.Record) ([]byte, error) {
	b, err := json.Marshal(r.Document())
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return append(b, '\n'), nil
}

func (s *Sink) Send(ctx context.Context, index string, b replication.Batch) error {
	if err := ctx.Err(); err != nil {
		return &replication.SinkRejectedError{Err: err}
	}
	if b.Len() == 0 {
		return nil
	}
	s.logger.Info("batch",
		zap.String("index", index),
		zap.Int("documents", b.Len()),
		zap.Int("bytes", b.Size),
		zap.Time("first", b.Records[0].OrderingValue()),
		zap.Time("last", b.Last().OrderingValue()))
	if s.cfg.Documents {
		for _, entry := range b.Entries {
			s.logger.Debug("document", zap.String("index", index), zap.ByteString("entry", entry))
		}
	}
	return nil
}

func (s *Sink) DryRun() bool { return !s.cfg.Commit }

func (s *Sink) Close() error {
	return nil
}

func init() {
	replication.RegisterSink(replication.ConnectorDebug, func(_ context.Context, config map[string]any, logger *zap.Logger) (replication.Sink, error) {
		var cfg Config
		if err := replication.DecodeConfig(config, &cfg); err != nil {
			return nil, fmt.Errorf("debug: %w", err)
		}
		return New(cfg, logger), nil
	})
}
