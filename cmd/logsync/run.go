package logsync

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/logsync/pkg/httputil/middleware"
	"github.com/edgeflare/logsync/pkg/metrics"
	"github.com/edgeflare/logsync/pkg/replication"
	"github.com/edgeflare/logsync/pkg/watermark"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	// Register built-in connectors and codecs
	_ "github.com/edgeflare/logsync/pkg/logs"
	_ "github.com/edgeflare/logsync/pkg/replication/sink/debug"
	_ "github.com/edgeflare/logsync/pkg/replication/sink/opensearch"
	_ "github.com/edgeflare/logsync/pkg/replication/source/clickhouse"
	_ "github.com/edgeflare/logsync/pkg/replication/source/kafka"
	_ "github.com/edgeflare/logsync/pkg/replication/source/nats"
	_ "github.com/edgeflare/logsync/pkg/replication/source/postgres"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"sync"},
	Short:   "Replicate every configured source until interrupted",
	Long: `Run one sync loop per configured source. Each loop fetches records newer than
the source watermark, delivers them in bulk batches and advances the watermark
once every batch was accepted. SIGINT or SIGTERM lets the batch in flight finish.`,
	RunE: runSync,
}

// setup opens the watermark store and connects every source and the sink.
func setup(ctx context.Context) (*replication.Manager, watermark.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	store, err := watermark.Open(ctx, cfg.Watermark, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open watermark store: %w", err)
	}
	m, err := replication.NewManager(ctx, cfg.Manager(), store, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return m, store, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, store, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("error closing connectors", zap.Error(err))
		}
		if err := store.Close(); err != nil {
			logger.Warn("error closing watermark store", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Addr: cfg.Metrics.Addr,
			Path: cfg.Metrics.Path,
			Handlers: map[string]http.Handler{
				"/status": middleware.Chain(m,
					middleware.RequestID,
					middleware.LoggerWithOptions(&middleware.LoggerOptions{Logger: logger, Level: zapcore.DebugLevel}),
				),
			},
			Logger: logger,
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Run(ctx)
	}()

	<-ctx.Done()
	grace := cfg.Sync.ShutdownGrace()
	logger.Info("received termination signal, shutting down gracefully", zap.Duration("grace", grace))
	if awaitShutdown(&wg, grace) {
		logger.Info("shutdown complete")
	} else {
		logger.Warn("shutdown timed out, a batch in flight may be delivered again", zap.Duration("grace", grace))
	}

	for _, st := range m.Status() {
		logger.Info("final source status",
			zap.String("source", st.Source),
			zap.Time("watermark", st.Watermark),
			zap.Uint64("cycles", st.Cycles),
			zap.Uint64("failures", st.Failures),
			zap.Uint64("delivered", st.Delivered))
	}
	return nil
}

// awaitShutdown waits for wg and reports whether it finished within grace.
func awaitShutdown(wg *sync.WaitGroup, grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
