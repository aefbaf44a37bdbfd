// Package logs defines the typed log records produced by the application
// loggers and registers them as replication codecs:
//
//	log_entry  {timestamp, level, message}
//	info_log   {timestamp, information, action}
//	warn_log   {timestamp, ip, path, latency_ms}
//	app_log    {timestamp, level, message, hostname, error_code?, reason?}
package logs

import (
	"fmt"
	"reflect"
	"time"

	"github.com/edgeflare/logsync/pkg/replication"
	"github.com/mitchellh/mapstructure"
)

const (
	CodecLogEntry = "log_entry"
	CodecInfoLog  = "info_log"
	CodecWarnLog  = "warn_log"
	CodecAppLog   = "app_log"
)

// meta carries the replication bookkeeping shared by all typed records.
type meta struct {
	ordering time.Time
	id       string
}

func (m meta) OrderingValue() time.Time { return m.ordering }

func (m meta) DocumentID() string { return m.id }

func (m meta) timestamp() string { return m.ordering.UTC().Format(time.RFC3339Nano) }

// LogEntry is the generic log line written to the "logs" table.
type LogEntry struct {
	meta      `mapstructure:"-"`
	Timestamp time.Time `mapstructure:"timestamp"`
	Level     string    `mapstructure:"level"`
	Message   string    `mapstructure:"message"`
}

func (l *LogEntry) Document() map[string]any {
	return map[string]any{
		"timestamp":                l.Timestamp.UTC().Format(time.RFC3339Nano),
		"level":                    l.Level,
		"message":                  l.Message,
		replication.TimestampField: l.timestamp(),
	}
}

// InfoLog records a user or system action.
type InfoLog struct {
	meta        `mapstructure:"-"`
	Timestamp   time.Time `mapstructure:"timestamp"`
	Information string    `mapstructure:"information"`
	Action      string    `mapstructure:"action"`
}

func (l *InfoLog) Document() map[string]any {
	return map[string]any{
		"timestamp":                l.Timestamp.UTC().Format(time.RFC3339Nano),
		"information":              l.Information,
		"action":                   l.Action,
		replication.TimestampField: l.timestamp(),
	}
}

// WarnLog records a slow request.
type WarnLog struct {
	meta      `mapstructure:"-"`
	Timestamp time.Time `mapstructure:"timestamp"`
	IP        string    `mapstructure:"ip"`
	Path      string    `mapstructure:"path"`
	LatencyMS uint64    `mapstructure:"latency_ms"`
}

func (l *WarnLog) Document() map[string]any {
	return map[string]any{
		"timestamp":                l.Timestamp.UTC().Format(time.RFC3339Nano),
		"ip":                       l.IP,
		"path":                     l.Path,
		"latency_ms":               l.LatencyMS,
		replication.TimestampField: l.timestamp(),
	}
}

// AppLog is the application log published to Kafka. ErrorCode is set on error
// logs and Reason on warnings.
type AppLog struct {
	meta      `mapstructure:"-"`
	Timestamp time.Time `mapstructure:"timestamp"`
	Level     string    `mapstructure:"level"`
	Message   string    `mapstructure:"message"`
	Hostname  string    `mapstructure:"hostname"`
	ErrorCode *uint64   `mapstructure:"error_code"`
	Reason    *string   `mapstructure:"reason"`
}

func (l *AppLog) Document() map[string]any {
	doc := map[string]any{
		"timestamp":                l.Timestamp.UTC().Format(time.RFC3339Nano),
		"level":                    l.Level,
		"message":                  l.Message,
		"hostname":                 l.Hostname,
		replication.TimestampField: l.timestamp(),
	}
	if l.ErrorCode != nil {
		doc["error_code"] = *l.ErrorCode
	}
	if l.Reason != nil {
		doc["reason"] = *l.Reason
	}
	return doc
}

// decode fills target from the row columns. The ordering value and id of the
// row are kept; a missing timestamp column defaults to the ordering value.
func decode(row replication.Row, target any, m *meta, ts *time.Time) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		DecodeHook:       timeHook,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(row.Columns); err != nil {
		return err
	}
	m.ordering = row.Ordering
	m.id = row.ID
	if ts.IsZero() {
		*ts = row.Ordering
	}
	return nil
}

// timeHook decodes time.Time fields with replication.ParseTime.
func timeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Time{}) || from == reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	if t, ok := data.(*time.Time); ok && t == nil {
		return time.Time{}, nil
	}
	return replication.ParseTime(data)
}

func init() {
	replication.RegisterCodec(CodecLogEntry, func(row replication.Row) (replication.Record, error) {
		l := &LogEntry{}
		if err := decode(row, l, &l.meta, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("decode %s: %w", CodecLogEntry, err)
		}
		return l, nil
	})
	replication.RegisterCodec(CodecInfoLog, func(row replication.Row) (replication.Record, error) {
		l := &InfoLog{}
		if err := decode(row, l, &l.meta, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("decode %s: %w", CodecInfoLog, err)
		}
		return l, nil
	})
	replication.RegisterCodec(CodecWarnLog, func(row replication.Row) (replication.Record, error) {
		l := &WarnLog{}
		if err := decode(row, l, &l.meta, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("decode %s: %w", CodecWarnLog, err)
		}
		return l, nil
	})
	replication.RegisterCodec(CodecAppLog, func(row replication.Row) (replication.Record, error) {
		l := &AppLog{}
		if err := decode(row, l, &l.meta, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("decode %s: %w", CodecAppLog, err)
		}
		return l, nil
	})
}
