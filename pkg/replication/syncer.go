package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/logsync/pkg/metrics"
	"github.com/edgeflare/logsync/pkg/replication/transform"
	"github.com/edgeflare/logsync/pkg/watermark"
	"go.uber.org/zap"
)

// State is the phase a Syncer is in.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateBatching
	StateSending
	StateCommitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateBatching:
		return "batching"
	case StateSending:
		return "sending"
	case StateCommitting:
		return "committing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CheckpointMode selects when the watermark is advanced.
type CheckpointMode string

const (
	// CheckpointCycle commits once, after every batch of the cycle was accepted.
	CheckpointCycle CheckpointMode = "cycle"
	// CheckpointBatch also commits after each accepted batch whose last record
	// is strictly older than the first record of the next batch.
	CheckpointBatch CheckpointMode = "batch"
)

// RetryConfig bounds how often the same batch is resent within one cycle.
type RetryConfig struct {
	MaxRetries  int           `mapstructure:"maxRetries"`
	InitialWait time.Duration `mapstructure:"initialWait"`
	MaxWait     time.Duration `mapstructure:"maxWait"`
}

// Options tune a Syncer. Zero values select the defaults.
type Options struct {
	Interval   time.Duration  `mapstructure:"interval"`
	Timeout    time.Duration  `mapstructure:"timeout"`
	MaxDocs    int            `mapstructure:"maxDocs"`
	MaxBytes   int            `mapstructure:"maxBytes"`
	Checkpoint CheckpointMode `mapstructure:"checkpoint"`
	Retry      RetryConfig    `mapstructure:"retry"`
}

const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 30 * time.Second
	DefaultMaxDocs  = 10000
	DefaultMaxBytes = 10 * 1024 * 1024
)

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		Interval:   DefaultInterval,
		Timeout:    DefaultTimeout,
		MaxDocs:    DefaultMaxDocs,
		MaxBytes:   DefaultMaxBytes,
		Checkpoint: CheckpointCycle,
		Retry: RetryConfig{
			MaxRetries:  3,
			InitialWait: time.Second,
			MaxWait:     30 * time.Second,
		},
	}
}

// shutdownMargin covers state bookkeeping after the last bounded call.
const shutdownMargin = 5 * time.Second

// ShutdownGrace is how long a stopping Syncer may still run after its
// context is cancelled: the send in flight and the watermark save that
// follows it, each bounded by Timeout.
func (o Options) ShutdownGrace() time.Duration {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return 2*timeout + shutdownMargin
}

func (o Options) withDefaults() (Options, error) {
	d := DefaultOptions()
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.MaxDocs == 0 {
		o.MaxDocs = d.MaxDocs
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = d.MaxBytes
	}
	if o.Retry.InitialWait <= 0 {
		o.Retry.InitialWait = d.Retry.InitialWait
	}
	if o.Retry.MaxWait <= 0 {
		o.Retry.MaxWait = d.Retry.MaxWait
	}
	if o.Retry.MaxRetries < 0 {
		o.Retry.MaxRetries = 0
	}
	switch o.Checkpoint {
	case "":
		o.Checkpoint = CheckpointCycle
	case CheckpointCycle, CheckpointBatch:
	default:
		return o, fmt.Errorf("unknown checkpoint mode %q", o.Checkpoint)
	}
	return o, nil
}

// Status is a point-in-time snapshot of a Syncer.
type Status struct {
	Source      string    `json:"source"`
	State       State     `json:"state"`
	Watermark   time.Time `json:"watermark"`
	LastRun     time.Time `json:"lastRun"`
	LastSuccess time.Time `json:"lastSuccess"`
	LastError   string    `json:"lastError,omitempty"`
	Cycles      uint64    `json:"cycles"`
	Failures    uint64    `json:"failures"`
	Delivered   uint64    `json:"delivered"`
	DryRun      bool      `json:"dryRun,omitempty"`
}

// CycleResult summarizes one sync cycle.
type CycleResult struct {
	Fetched   int
	Filtered  int
	Skipped   int
	Delivered int
	Batches   int
	// Watermark is the committed watermark at the end of the cycle
	Watermark time.Time
	Committed bool
}

// Syncer replicates one source into the sink.
type Syncer struct {
	desc      Descriptor
	fetcher   Fetcher
	sink      Sink
	store     watermark.Store
	codec     CodecFunc
	transform transform.Func
	opts      Options
	logger    *zap.Logger
	dryRun    bool

	mu     sync.Mutex
	status Status
	// dryMark is the in-memory watermark kept instead of saving in dry runs
	dryMark time.Time
}

// NewSyncer wires a source to the sink. desc.Interval, when set, overrides opts.Interval.
func NewSyncer(desc Descriptor, fetcher Fetcher, sink Sink, store watermark.Store, opts Options, logger *zap.Logger) (*Syncer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if desc.Name == "" {
		return nil, errors.New("source name is required")
	}
	if desc.Index == "" {
		desc.Index = desc.Name
	}
	if desc.Interval > 0 {
		opts.Interval = desc.Interval
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", desc.Name, err)
	}

	codec, err := Codec(desc.Codec)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", desc.Name, err)
	}

	var chain transform.Func
	if len(desc.Transformations) > 0 {
		if chain, err = transform.Chain(desc.Transformations); err != nil {
			return nil, fmt.Errorf("source %s: %w", desc.Name, err)
		}
	}

	dr, ok := sink.(DryRunner)
	dryRun := ok && dr.DryRun()

	return &Syncer{
		dryRun:    dryRun,
		desc:      desc,
		fetcher:   fetcher,
		sink:      sink,
		store:     store,
		codec:     codec,
		transform: chain,
		opts:      opts,
		logger:    logger.With(zap.String("source", desc.Name)),
		status:    Status{Source: desc.Name, DryRun: dryRun},
	}, nil
}

// Name returns the source name.
func (s *Syncer) Name() string { return s.desc.Name }

// Status returns a snapshot of the syncer.
func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run executes a cycle immediately and then on every tick until ctx is done.
// Cycle errors are logged and counted; they never stop the loop.
func (s *Syncer) Run(ctx context.Context) {
	s.logger.Info("starting sync loop",
		zap.String("index", s.desc.Index),
		zap.Duration("interval", s.opts.Interval),
		zap.String("checkpoint", string(s.opts.Checkpoint)),
		zap.Bool("dry_run", s.dryRun))

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		_, _ = s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("sync loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one full cycle: load the watermark, fetch, transform,
// batch, send every batch in order and commit the new watermark. Nothing is
// committed unless all batches were accepted.
func (s *Syncer) RunOnce(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	res, err := s.cycle(ctx)
	metrics.CycleDuration.WithLabelValues(s.desc.Name).Observe(time.Since(start).Seconds())
	s.finish(ctx, start, res, err)
	return res, err
}

func (s *Syncer) cycle(ctx context.Context) (CycleResult, error) {
	defer s.setState(StateIdle)
	var res CycleResult

	s.setState(StateFetching)
	wm, err := s.load(ctx)
	if err != nil {
		return res, err
	}
	res.Watermark = wm.LastProcessed

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	records, err := s.fetcher.Fetch(fetchCtx, wm.LastProcessed)
	cancel()
	if err != nil {
		return res, Unavailable(s.desc.Name, err)
	}
	res.Fetched = len(records)
	metrics.RecordsFetched.WithLabelValues(s.desc.Name).Add(float64(len(records)))
	if len(records) == 0 {
		return res, nil
	}

	s.setState(StateBatching)
	prepared, last, err := s.prepare(records, wm.LastProcessed, &res)
	if err != nil {
		return res, err
	}
	if last.IsZero() {
		return res, nil
	}

	var pending *Batch
	for b, err := range Assemble(prepared, s.sink.Encode, s.opts.MaxDocs, s.opts.MaxBytes) {
		if err != nil {
			return res, err
		}
		if pending != nil && s.opts.Checkpoint == CheckpointBatch &&
			pending.Last().OrderingValue().Before(b.Records[0].OrderingValue()) {
			s.setState(StateCommitting)
			if err := s.commit(ctx, pending.Last().OrderingValue(), last, &res); err != nil {
				s.logger.Warn("intermediate checkpoint failed, continuing", zap.Error(err))
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		s.setState(StateSending)
		if err := s.send(ctx, b); err != nil {
			return res, err
		}
		res.Batches++
		res.Delivered += b.Len()
		metrics.BatchesSent.WithLabelValues(s.desc.Name).Inc()
		metrics.BatchBytes.WithLabelValues(s.desc.Name).Observe(float64(b.Size))
		metrics.RecordsDelivered.WithLabelValues(s.desc.Name).Add(float64(b.Len()))
		pending = &b
	}

	s.setState(StateCommitting)
	return res, s.commit(ctx, last, last, &res)
}

func (s *Syncer) load(ctx context.Context) (watermark.Watermark, error) {
	loadCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	wm, err := s.store.Load(loadCtx, s.desc.Name)
	if err != nil {
		return wm, &PersistenceError{Source: s.desc.Name, Op: "load", Err: err}
	}
	s.mu.Lock()
	if s.dryRun && s.dryMark.After(wm.LastProcessed) {
		wm.LastProcessed = s.dryMark
	}
	s.status.Watermark = wm.LastProcessed
	s.mu.Unlock()
	return wm, nil
}

// prepare decodes and transforms the fetched records. It returns the records
// to deliver and the ordering value of the last record that was processed,
// including records dropped by transformations.
func (s *Syncer) prepare(records []Record, since time.Time, res *CycleResult) ([]Record, time.Time, error) {
	out := make([]Record, 0, len(records))
	var last time.Time
	for _, r := range records {
		ts := r.OrderingValue()
		if !ts.After(since) {
			res.Skipped++
			metrics.RecordsSkipped.WithLabelValues(s.desc.Name, "stale").Inc()
			s.logger.Warn("ignoring record at or before the watermark",
				zap.Time("ordering", ts), zap.Time("watermark", since))
			continue
		}
		if ts.Before(last) {
			return nil, time.Time{}, fmt.Errorf("source %s returned records out of order: %s after %s",
				s.desc.Name, ts.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
		}

		if row, ok := r.(Row); ok {
			decoded, err := s.codec(row)
			if err != nil {
				res.Skipped++
				metrics.RecordsSkipped.WithLabelValues(s.desc.Name, "codec").Inc()
				s.logger.Warn("skipping record that does not match codec",
					zap.String("codec", s.desc.Codec), zap.Time("ordering", ts), zap.Error(err))
				last = ts
				continue
			}
			r = decoded
		}
		last = ts

		if s.transform == nil {
			out = append(out, r)
			continue
		}
		doc, err := s.transform(r.Document())
		if err != nil {
			res.Skipped++
			metrics.RecordsSkipped.WithLabelValues(s.desc.Name, "transform").Inc()
			s.logger.Warn("skipping record that failed transformation", zap.Time("ordering", ts), zap.Error(err))
			continue
		}
		if doc == nil {
			res.Filtered++
			metrics.RecordsFiltered.WithLabelValues(s.desc.Name).Inc()
			continue
		}
		out = append(out, transformed{Record: r, doc: doc})
	}
	return out, last, nil
}

// send delivers one batch, retrying it while the sink reports a retryable
// rejection. A send in progress is not interrupted by ctx cancellation; no
// retry is started once ctx is done.
func (s *Syncer) send(ctx context.Context, b Batch) error {
	var lastErr error
	op := func() error {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
		defer cancel()
		err := s.sink.Send(sendCtx, s.desc.Index, b)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrSinkRejected) {
			err = &SinkRejectedError{Err: err}
		}
		lastErr = err
		var rejected *SinkRejectedError
		if errors.As(err, &rejected) && !rejected.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.Retry.InitialWait
	bo.MaxInterval = s.opts.Retry.MaxWait
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.opts.Retry.MaxRetries)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		s.logger.Warn("batch rejected, retrying",
			zap.Int("documents", b.Len()),
			zap.Int("bytes", b.Size),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

// commit persists ts as the new watermark. A failed save is reported as a
// window that will be delivered again by the next cycle.
func (s *Syncer) commit(ctx context.Context, ts, lastFetched time.Time, res *CycleResult) error {
	if !ts.After(res.Watermark) {
		return nil
	}
	if s.dryRun {
		s.mu.Lock()
		s.dryMark = ts
		s.status.Watermark = ts
		s.mu.Unlock()
		res.Watermark = ts
		s.logger.Debug("dry run, watermark kept in memory", zap.Time("watermark", ts))
		return nil
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()

	if err := s.store.Save(saveCtx, watermark.Watermark{SourceID: s.desc.Name, LastProcessed: ts}); err != nil {
		s.logger.Error("watermark commit failed, delivered records will be sent again",
			zap.Time("duplicate_from", res.Watermark),
			zap.Time("duplicate_to", lastFetched),
			zap.Error(err))
		return &PersistenceError{Source: s.desc.Name, Op: "save", Err: err}
	}

	res.Watermark = ts
	res.Committed = true
	metrics.Watermark.WithLabelValues(s.desc.Name).Set(float64(ts.UnixNano()) / 1e9)
	s.mu.Lock()
	s.status.Watermark = ts
	s.mu.Unlock()
	return nil
}

func (s *Syncer) setState(state State) {
	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()
}

// finish records the cycle outcome in logs, metrics and the status snapshot.
func (s *Syncer) finish(ctx context.Context, start time.Time, res CycleResult, err error) {
	outcome := "success"
	switch {
	case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		outcome = "cancelled"
	case err != nil:
		outcome = errorKind(err)
	case res.Fetched == 0:
		outcome = "empty"
	}
	metrics.SyncCycles.WithLabelValues(s.desc.Name, outcome).Inc()

	s.mu.Lock()
	s.status.Cycles++
	s.status.LastRun = start
	s.status.Delivered += uint64(res.Delivered)
	if err != nil {
		s.status.Failures++
		s.status.LastError = err.Error()
	} else {
		s.status.LastSuccess = start
		s.status.LastError = ""
	}
	s.mu.Unlock()

	fields := []zap.Field{
		zap.Int("fetched", res.Fetched),
		zap.Int("delivered", res.Delivered),
		zap.Int("batches", res.Batches),
		zap.Int("filtered", res.Filtered),
		zap.Int("skipped", res.Skipped),
		zap.Time("watermark", res.Watermark),
		zap.Duration("duration", time.Since(start)),
	}
	switch outcome {
	case "success":
		s.logger.Info("sync cycle complete", fields...)
	case "empty":
		s.logger.Debug("no new records", fields...)
	case "cancelled":
		s.logger.Info("sync cycle interrupted by shutdown", append(fields, zap.Error(err))...)
	default:
		metrics.SyncErrors.WithLabelValues(s.desc.Name, outcome).Inc()
		s.logger.Error("sync cycle failed", append(fields, zap.String("kind", outcome), zap.Error(err))...)
	}
}
