package replication

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type closeCounter struct {
	Fetcher
	closed *atomic.Int32
}

func (c closeCounter) Close() error {
	c.closed.Add(1)
	return nil
}

func registerTestConnectors(t *testing.T) (*fakeSink, *atomic.Int32) {
	t.Helper()
	sink := &fakeSink{}
	closed := &atomic.Int32{}
	RegisterSink("test_sink", func(context.Context, map[string]any, *zap.Logger) (Sink, error) {
		return sink, nil
	})
	RegisterSource("test_source", func(_ context.Context, desc Descriptor, _ *zap.Logger) (Fetcher, error) {
		if desc.Config["fail"] == true {
			return nil, errors.New("connection refused")
		}
		return closeCounter{Fetcher: &fakeFetcher{records: rows(3, 10)}, closed: closed}, nil
	})
	return sink, closed
}

func managerConfig(sources ...Descriptor) ManagerConfig {
	return ManagerConfig{
		Sync:    testOptions(),
		Sink:    SinkConfig{Connector: "test_sink"},
		Sources: sources,
	}
}

func TestNewManagerValidation(t *testing.T) {
	registerTestConnectors(t)

	tests := []struct {
		name   string
		cfg    ManagerConfig
		target error
	}{
		{name: "no sources", cfg: managerConfig()},
		{name: "unnamed source", cfg: managerConfig(Descriptor{Connector: "test_source"})},
		{
			name:   "duplicate names",
			cfg:    managerConfig(Descriptor{Name: "a", Connector: "test_source"}, Descriptor{Name: "a", Connector: "test_source"}),
			target: ErrDuplicateSource,
		},
		{
			name:   "unknown source connector",
			cfg:    managerConfig(Descriptor{Name: "a", Connector: "nope"}),
			target: ErrConnectorNotFound,
		},
		{
			name: "unknown sink connector",
			cfg: ManagerConfig{
				Sync:    testOptions(),
				Sink:    SinkConfig{Connector: "nope"},
				Sources: []Descriptor{{Name: "a", Connector: "test_source"}},
			},
			target: ErrConnectorNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(t.Context(), tt.cfg, newMemStore(), nil)
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestNewManagerClosesOnFailure(t *testing.T) {
	_, closed := registerTestConnectors(t)
	cfg := managerConfig(
		Descriptor{Name: "a", Connector: "test_source"},
		Descriptor{Name: "b", Connector: "test_source", Config: map[string]any{"fail": true}},
	)
	cfg.Sync.Retry.MaxRetries = 1

	_, err := NewManager(t.Context(), cfg, newMemStore(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source b")
	assert.EqualValues(t, 1, closed.Load(), "sources opened before the failure are closed")
}

func TestManagerRunOnce(t *testing.T) {
	sink, closed := registerTestConnectors(t)
	store := newMemStore()
	m, err := NewManager(t.Context(), managerConfig(
		Descriptor{Name: "app", Connector: "test_source"},
		Descriptor{Name: "audit", Connector: "test_source", Index: "audit-logs"},
	), store, nil)
	require.NoError(t, err)

	require.NoError(t, m.RunOnce(t.Context()))

	assert.Len(t, sink.delivered(), 4, "two batches per source")
	assert.Equal(t, t0.Add(3*time.Second), store.get("app"))
	assert.Equal(t, t0.Add(3*time.Second), store.get("audit"))

	statuses := m.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "app", statuses[0].Source)
	assert.Equal(t, "audit", statuses[1].Source)
	assert.EqualValues(t, 3, statuses[1].Delivered)

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 2)
	assert.Equal(t, "idle", body[0]["state"])
	assert.Equal(t, "2025-06-01T10:00:03Z", body[0]["watermark"])

	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("POST", "/status", nil))
	assert.Equal(t, 405, rec.Code)

	require.NoError(t, m.Close())
	assert.EqualValues(t, 2, closed.Load())
}

func TestManagerRunOnceJoinsErrors(t *testing.T) {
	sink, _ := registerTestConnectors(t)
	sink.setHook(func(context.Context, int) error { return &SinkRejectedError{Status: 400} })
	m, err := NewManager(t.Context(), managerConfig(
		Descriptor{Name: "app", Connector: "test_source"},
		Descriptor{Name: "audit", Connector: "test_source"},
	), newMemStore(), nil)
	require.NoError(t, err)
	defer m.Close()

	err = m.RunOnce(t.Context())
	require.ErrorIs(t, err, ErrSinkRejected)
	assert.Contains(t, err.Error(), "source app")
	assert.Contains(t, err.Error(), "source audit")
}

func TestManagerRun(t *testing.T) {
	registerTestConnectors(t)
	store := newMemStore()
	m, err := NewManager(t.Context(), managerConfig(
		Descriptor{Name: "app", Connector: "test_source"},
		Descriptor{Name: "audit", Connector: "test_source"},
	), store, nil)
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		for _, st := range m.Status() {
			if st.Cycles < 2 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, t0.Add(3*time.Second), store.get("app"))
	assert.Equal(t, t0.Add(3*time.Second), store.get("audit"))
}
