package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsync_cycles_total",
			Help: "Total number of sync cycles by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	RecordsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsync_records_fetched_total",
			Help: "Total number of records read from sources",
		},
		[]string{"source"},
	)

	RecordsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsync_records_delivered_total",
			Help: "Total number of records accepted by the sink",
		},
		[]string{"source"},
	)

	RecordsFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsync_records_filtered_total",
			Help: "Total number of records dropped by transformations",
		},
		[]string{"source"},
	)

	RecordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsync_records_skipped_total",
			Help: "Total number of records skipped because they could not be decoded",
		},
		[]string{"source", "reason"},
	)

	BatchesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsync_batches_sent_total",
			Help: "Total number of batches accepted by the sink",
		},
		[]string{"source"},
	)

	BatchBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logsync_batch_bytes",
			Help:    "Serialized size of sent batches",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8), // 1KiB .. 16MiB
		},
		[]string{"source"},
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsync_errors_total",
			Help: "Total number of sync errors by source and kind",
		},
		[]string{"source", "kind"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logsync_cycle_duration_seconds",
			Help:    "Duration of sync cycles",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	Watermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logsync_watermark_timestamp_seconds",
			Help: "Committed watermark of each source as a unix timestamp",
		},
		[]string{"source"},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
	// Handlers are mounted next to the metrics endpoint, keyed by pattern
	Handlers map[string]http.Handler
	Logger   *zap.Logger
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options
// The server gracefully shutdown when the provided context is canceled
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	// merge with defaults
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		effectiveOpts.Handlers = opts.Handlers
		effectiveOpts.Logger = opts.Logger
	}
	logger := effectiveOpts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           NewMux(effectiveOpts.Path, effectiveOpts.Handlers),
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting metrics server", zap.String("addr", effectiveOpts.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}

// NewMux serves the Prometheus registry at path, a liveness probe at /healthz
// and any extra handlers.
func NewMux(path string, handlers map[string]http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(cmp.Or(path, "/metrics"), promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	for pattern, h := range handlers {
		mux.Handle(pattern, h)
	}
	return mux
}
