package watermark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"
)

var validSourceID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// FileStore keeps one JSON file per source in a directory:
//
//	{"last_processed_timestamp": "2025-06-01T10:15:30.123456789Z"}
type FileStore struct {
	dir    string
	logger *zap.Logger
	defaults
}

// fileLayout is the on-disk representation. The timestamp is kept as a string
// so that nanosecond precision survives the round trip.
type fileLayout struct {
	LastProcessed string `json:"last_processed_timestamp"`
}

// NewFileStore creates dir if needed and returns a store rooted at it.
func NewFileStore(dir string, logger *zap.Logger, opts ...Option) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create watermark dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: dir, logger: logger, defaults: newDefaults(opts)}, nil
}

// Path returns the file holding the watermark of sourceID.
func (s *FileStore) Path(sourceID string) (string, error) {
	if !validSourceID.MatchString(sourceID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, sourceID)
	}
	return filepath.Join(s.dir, sourceID+".json"), nil
}

// Load reads the watermark of sourceID. A missing or unparsable file yields the
// default watermark; any other read failure is returned.
func (s *FileStore) Load(_ context.Context, sourceID string) (Watermark, error) {
	path, err := s.Path(sourceID)
	if err != nil {
		return Watermark{}, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s.initial(sourceID), nil
	}
	if err != nil {
		return Watermark{}, fmt.Errorf("read %s: %w", path, err)
	}

	var layout fileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		s.logger.Warn("ignoring corrupt watermark file",
			zap.String("source", sourceID),
			zap.String("path", path),
			zap.Error(err))
		return s.initial(sourceID), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, layout.LastProcessed)
	if err != nil {
		s.logger.Warn("ignoring unparsable watermark timestamp",
			zap.String("source", sourceID),
			zap.String("value", layout.LastProcessed),
			zap.Error(err))
		return s.initial(sourceID), nil
	}

	return Watermark{SourceID: sourceID, LastProcessed: ts}, nil
}

// Save atomically replaces the watermark file of w.SourceID.
func (s *FileStore) Save(_ context.Context, w Watermark) error {
	path, err := s.Path(w.SourceID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(fileLayout{
		LastProcessed: w.LastProcessed.UTC().Format(time.RFC3339Nano),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watermark: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+w.SourceID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
