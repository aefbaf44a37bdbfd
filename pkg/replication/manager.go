package replication

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/logsync/pkg/httputil"
	"github.com/edgeflare/logsync/pkg/watermark"
	"go.uber.org/zap"
)

// SinkConfig selects the sink connector.
type SinkConfig struct {
	Connector string         `mapstructure:"connector"`
	Config    map[string]any `mapstructure:"config"`
}

// ManagerConfig describes every replicated source and the shared sink.
type ManagerConfig struct {
	Sync    Options      `mapstructure:"sync"`
	Sink    SinkConfig   `mapstructure:"sink"`
	Sources []Descriptor `mapstructure:"sources"`
}

// Manager owns the sink, the fetchers and one Syncer per source.
type Manager struct {
	sink     Sink
	fetchers []Fetcher
	syncers  []*Syncer
	logger   *zap.Logger
}

// NewManager connects the sink and every source. Connections are retried with
// exponential backoff bounded by cfg.Sync.Retry. Source names must be unique
// since each one keys exactly one watermark.
func NewManager(ctx context.Context, cfg ManagerConfig, store watermark.Store, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Sources) == 0 {
		return nil, errors.New("no sources configured")
	}
	seen := make(map[string]bool, len(cfg.Sources))
	for _, desc := range cfg.Sources {
		if desc.Name == "" {
			return nil, errors.New("source name is required")
		}
		if seen[desc.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, desc.Name)
		}
		seen[desc.Name] = true
	}

	m := &Manager{logger: logger}
	logger.Info("initializing replication manager",
		zap.String("sink", cfg.Sink.Connector),
		zap.Int("sources", len(cfg.Sources)))

	err := connect(ctx, cfg.Sync.Retry, logger, "sink "+cfg.Sink.Connector, func() error {
		sink, err := NewSink(ctx, cfg.Sink.Connector, cfg.Sink.Config, logger)
		m.sink = sink
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sink: %w", err)
	}

	for _, desc := range cfg.Sources {
		var fetcher Fetcher
		err := connect(ctx, cfg.Sync.Retry, logger, "source "+desc.Name, func() error {
			var err error
			fetcher, err = NewFetcher(ctx, desc, logger)
			return err
		})
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to initialize source %s: %w", desc.Name, err)
		}
		m.fetchers = append(m.fetchers, fetcher)

		syncer, err := NewSyncer(desc, fetcher, m.sink, store, cfg.Sync, logger)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.syncers = append(m.syncers, syncer)
		logger.Info("source ready",
			zap.String("source", desc.Name),
			zap.String("connector", desc.Connector),
			zap.String("index", syncer.desc.Index))
	}
	return m, nil
}

// connect retries fn while it fails with anything but a missing connector.
func connect(ctx context.Context, retry RetryConfig, logger *zap.Logger, what string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cmpOr(retry.InitialWait, time.Second)
	bo.MaxInterval = cmpOr(retry.MaxWait, 30*time.Second)
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(retry.MaxRetries, 0))), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if errors.Is(err, ErrConnectorNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		logger.Warn("retrying connection", zap.String("target", what), zap.Duration("delay", wait), zap.Error(err))
	})
}

func cmpOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// Run starts one goroutine per source and blocks until ctx is done and every
// loop has returned.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range m.syncers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(ctx)
		}()
	}
	wg.Wait()
}

// RunOnce runs a single cycle of every source concurrently. The returned error
// joins the failures of all sources.
func (m *Manager) RunOnce(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range m.syncers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RunOnce(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("source %s: %w", s.Name(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Status returns a snapshot of every source, in configuration order.
func (m *Manager) Status() []Status {
	out := make([]Status, 0, len(m.syncers))
	for _, s := range m.syncers {
		out = append(out, s.Status())
	}
	return out
}

// ServeHTTP writes the status of every source as JSON.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httputil.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	httputil.JSON(w, http.StatusOK, m.Status())
}

// Close releases the fetchers and the sink. The watermark store belongs to the caller.
func (m *Manager) Close() error {
	var errs []error
	for _, f := range m.fetchers {
		errs = append(errs, f.Close())
	}
	if m.sink != nil {
		errs = append(errs, m.sink.Close())
	}
	return errors.Join(errs...)
}
