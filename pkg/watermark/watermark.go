// Package watermark persists, per source, the ordering value of the last record
// delivered to the sink.
package watermark

import (
	"context"
	"errors"
	"time"
)

// DefaultLookback seeds the watermark of a source that has never been synced.
const DefaultLookback = 24 * time.Hour

// ErrInvalidSource is returned for source ids that cannot be used as a storage key.
var ErrInvalidSource = errors.New("invalid source id")

// Watermark is the checkpoint of one source.
type Watermark struct {
	SourceID      string    `json:"-"`
	LastProcessed time.Time `json:"last_processed_timestamp"`
}

// Store loads and saves watermarks. Each source is stored independently.
type Store interface {
	// Load returns the persisted watermark of sourceID, or a default one
	// (now minus the store lookback) when none has been saved yet.
	Load(ctx context.Context, sourceID string) (Watermark, error)
	// Save durably persists w.
	Save(ctx context.Context, w Watermark) error
	Close() error
}

// defaults holds the settings shared by store implementations.
type defaults struct {
	lookback time.Duration
	now      func() time.Time
}

func (d defaults) initial(sourceID string) Watermark {
	return Watermark{SourceID: sourceID, LastProcessed: d.now().UTC().Add(-d.lookback)}
}

// Option configures a Store.
type Option func(*defaults)

// WithLookback sets how far back a source without a watermark starts.
func WithLookback(d time.Duration) Option {
	return func(o *defaults) {
		if d > 0 {
			o.lookback = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *defaults) {
		if now != nil {
			o.now = now
		}
	}
}

func newDefaults(opts []Option) defaults {
	d := defaults{lookback: DefaultLookback, now: time.Now}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}
