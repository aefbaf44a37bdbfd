package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgeflare/logsync/pkg/replication/transform"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// Fetcher pulls records from a source.
type Fetcher interface {
	// Fetch returns every record with an ordering value strictly greater than
	// since, in ascending order. No new data is an empty slice and a nil error.
	Fetch(ctx context.Context, since time.Time) ([]Record, error)
	Close() error
}

// Sink delivers batches to a bulk-ingest service.
type Sink interface {
	// Encode frames a record as one bulk entry.
	Encode(r Record) ([]byte, error)
	// Send performs a single request carrying the whole batch. It does not retry.
	Send(ctx context.Context, index string, b Batch) error
	Close() error
}

// DryRunner is implemented by sinks that do not deliver anywhere. A Syncer
// writing to a sink whose DryRun reports true keeps its progress in memory
// and never saves the watermark to the store.
type DryRunner interface {
	DryRun() bool
}

// Descriptor is the static configuration of one replicated source.
type Descriptor struct {
	// Name identifies the source and keys its watermark
	Name      string `mapstructure:"name"`
	Connector string `mapstructure:"connector"`
	// Index is the sink index (or table) the records are written to
	Index string `mapstructure:"index"`
	// Codec turns generic rows into typed records, see RegisterCodec. Empty means "row".
	Codec string `mapstructure:"codec"`
	// Interval overrides the global poll interval for this source
	Interval time.Duration `mapstructure:"interval"`
	// Transformations are applied to each document, in order, before batching
	Transformations []transform.Transformation `mapstructure:"transformations"`
	// Config holds the connector specific settings
	Config map[string]any `mapstructure:"config"`
}

type (
	// SourceFactory builds a Fetcher for a descriptor.
	SourceFactory func(ctx context.Context, desc Descriptor, logger *zap.Logger) (Fetcher, error)
	// SinkFactory builds a Sink from its connector config.
	SinkFactory func(ctx context.Context, config map[string]any, logger *zap.Logger) (Sink, error)
	// CodecFunc converts a generic row into a typed record.
	CodecFunc func(row Row) (Record, error)
)

// Predefined connectors
const (
	ConnectorClickHouse = "clickhouse"
	ConnectorKafka      = "kafka"
	ConnectorPostgres   = "postgres"
	ConnectorNATS       = "nats"
	ConnectorOpenSearch = "opensearch"
	ConnectorDebug      = "debug"

	CodecRow = "row"
)

var (
	mu      sync.RWMutex
	sources = make(map[string]SourceFactory)
	sinks   = make(map[string]SinkFactory)
	codecs  = map[string]CodecFunc{
		CodecRow: func(row Row) (Record, error) { return row, nil },
	}
)

// RegisterSource adds a source connector to the registry.
func RegisterSource(name string, f SourceFactory) {
	mu.Lock()
	defer mu.Unlock()
	sources[name] = f
}

// RegisterSink adds a sink connector to the registry.
func RegisterSink(name string, f SinkFactory) {
	mu.Lock()
	defer mu.Unlock()
	sinks[name] = f
}

// RegisterCodec adds a row codec to the registry.
func RegisterCodec(name string, c CodecFunc) {
	mu.Lock()
	defer mu.Unlock()
	codecs[name] = c
}

// Connectors lists the registered source and sink connector names.
func Connectors() (sourceNames, sinkNames []string) {
	mu.RLock()
	defer mu.RUnlock()
	for name := range sources {
		sourceNames = append(sourceNames, name)
	}
	for name := range sinks {
		sinkNames = append(sinkNames, name)
	}
	sort.Strings(sourceNames)
	sort.Strings(sinkNames)
	return sourceNames, sinkNames
}

// NewFetcher builds the Fetcher registered for desc.Connector.
func NewFetcher(ctx context.Context, desc Descriptor, logger *zap.Logger) (Fetcher, error) {
	mu.RLock()
	f, ok := sources[desc.Connector]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source %s: %w: %s", desc.Name, ErrConnectorNotFound, desc.Connector)
	}
	return f(ctx, desc, logger)
}

// NewSink builds the Sink registered under connector.
func NewSink(ctx context.Context, connector string, config map[string]any, logger *zap.Logger) (Sink, error) {
	mu.RLock()
	f, ok := sinks[connector]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sink: %w: %s", ErrConnectorNotFound, connector)
	}
	return f(ctx, config, logger)
}

// Codec returns the codec registered under name. An empty name selects the row codec.
func Codec(name string) (CodecFunc, error) {
	if name == "" {
		name = CodecRow
	}
	mu.RLock()
	defer mu.RUnlock()
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("codec %s not found", name)
	}
	return c, nil
}

// DecodeConfig decodes a connector config map into target. Strings are accepted
// for durations and numbers, and comma separated strings for slices, so values
// coming from environment variables decode as well as YAML ones.
func DecodeConfig(config map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("create config decoder: %w", err)
	}
	if err := dec.Decode(config); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}
