package kafka

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/edgeflare/logsync/pkg/metrics"
	"github.com/edgeflare/logsync/pkg/replication"
	"go.uber.org/zap"
)

// Source is a replication.Fetcher over one or more topics. Each fetch seeks
// every partition to the first offset at or after the watermark and reads up
// to the high-water mark observed when the fetch started.
//
// Ordering uses message timestamps. With CreateTime topics producer clocks
// differ across partitions, so a message appended after the watermark passed
// its timestamp is never delivered. Use LogAppendTime topics, or set
// Config.Settle to leave recent messages for a later fetch.
type Source struct {
	client   sarama.Client
	consumer sarama.Consumer
	logger   *zap.Logger
	name     string
	cfg      Config
}

func New(name string, cfg Config, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conf, err := cfg.ToSaramaConfig()
	if err != nil {
		return nil, err
	}

	client, err := sarama.NewClient(cfg.Brokers, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	logger.Info("kafka source connected",
		zap.String("source", name),
		zap.Strings("brokers", cfg.Brokers),
		zap.Strings("topics", cfg.Topics))
	return &Source{client: client, consumer: consumer, logger: logger, name: name, cfg: cfg}, nil
}

func (s *Source) Fetch(ctx context.Context, since time.Time) ([]replication.Record, error) {
	if err := s.client.RefreshMetadata(s.cfg.Topics...); err != nil {
		return nil, replication.Unavailable(s.name, fmt.Errorf("refresh metadata: %w", err))
	}

	var msgs []*sarama.ConsumerMessage
	for _, topic := range s.cfg.Topics {
		partitions, err := s.client.Partitions(topic)
		if err != nil {
			return nil, replication.Unavailable(s.name, fmt.Errorf("list partitions of %s: %w", topic, err))
		}
		for _, p := range partitions {
			part, err := s.readPartition(ctx, topic, p, since)
			if err != nil {
				return nil, replication.Unavailable(s.name, fmt.Errorf("read %s/%d: %w", topic, p, err))
			}
			msgs = append(msgs, part...)
		}
	}
	var until time.Time
	if s.cfg.Settle > 0 {
		until = time.Now().Add(-s.cfg.Settle)
	}
	return s.toRecords(merge(msgs, since, until)), nil
}

// readPartition returns the messages of one partition from the first offset
// whose timestamp is at or after since (millisecond precision) up to the
// current high-water mark.
func (s *Source) readPartition(ctx context.Context, topic string, partition int32, since time.Time) ([]*sarama.ConsumerMessage, error) {
	newest, err := s.client.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return nil, fmt.Errorf("high-water mark: %w", err)
	}
	start, err := s.client.GetOffset(topic, partition, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("offset for time: %w", err)
	}
	if start < 0 || start >= newest {
		return nil, nil
	}

	pc, err := s.consumer.ConsumePartition(topic, partition, start)
	if err != nil {
		return nil, err
	}
	defer pc.Close()

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	errs := pc.Errors()
	var msgs []*sarama.ConsumerMessage
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-pc.Messages():
			if !ok {
				return msgs, nil
			}
			msgs = append(msgs, msg)
			if msg.Offset >= newest-1 {
				return msgs, nil
			}
			idle.Reset(s.cfg.IdleTimeout)
		case cerr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return nil, cerr
		case <-idle.C:
			// offsets taken by control records or compaction are never delivered
			s.logger.Debug("partition idle before high-water mark",
				zap.String("source", s.name),
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Int64("high_water_mark", newest),
				zap.Int("messages", len(msgs)))
			return msgs, nil
		}
	}
}

// merge keeps messages strictly newer than since and, unless until is zero,
// not newer than until. The result is ordered by timestamp, then topic,
// partition and offset.
func merge(msgs []*sarama.ConsumerMessage, since, until time.Time) []*sarama.ConsumerMessage {
	msgs = slices.DeleteFunc(msgs, func(m *sarama.ConsumerMessage) bool {
		return !m.Timestamp.After(since) || (!until.IsZero() && m.Timestamp.After(until))
	})
	slices.SortStableFunc(msgs, func(a, b *sarama.ConsumerMessage) int {
		return cmp.Or(
			a.Timestamp.Compare(b.Timestamp),
			strings.Compare(a.Topic, b.Topic),
			cmp.Compare(a.Partition, b.Partition),
			cmp.Compare(a.Offset, b.Offset),
		)
	})
	return msgs
}

// toRecords decodes JSON object payloads. Messages that are not JSON objects
// are skipped and counted.
func (s *Source) toRecords(msgs []*sarama.ConsumerMessage) []replication.Record {
	records := make([]replication.Record, 0, len(msgs))
	for _, msg := range msgs {
		columns, err := replication.DecodeColumns(msg.Value)
		if err != nil {
			s.logger.Warn("skipping undecodable message",
				zap.String("source", s.name),
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			metrics.RecordsSkipped.WithLabelValues(s.name, "decode").Inc()
			continue
		}
		records = append(records, replication.Row{
			Columns:  columns,
			Ordering: msg.Timestamp.UTC(),
			ID:       fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset),
		})
	}
	return records
}

func (s *Source) Close() error {
	return errors.Join(s.consumer.Close(), s.client.Close())
}

func init() {
	replication.RegisterSource(replication.ConnectorKafka, func(_ context.Context, desc replication.Descriptor, logger *zap.Logger) (replication.Fetcher, error) {
		cfg := defaultConfig()
		if err := replication.DecodeConfig(desc.Config, &cfg); err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		return New(desc.Name, cfg, logger)
	})
}
