package replication

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TimestampField is added to every sink document that does not already carry it.
const TimestampField = "@timestamp"

// Record is a single row read from a source.
type Record interface {
	// OrderingValue is the monotonic field used for watermarking.
	OrderingValue() time.Time
	// Document is the JSON object indexed in the sink.
	Document() map[string]any
}

// Identified is implemented by records that carry a stable sink document id.
// Indexing by id makes re-delivery after a failed cycle overwrite instead of duplicate.
type Identified interface {
	DocumentID() string
}

// Row is a generic record made of named columns.
type Row struct {
	Columns  map[string]any
	Ordering time.Time
	ID       string
}

func (r Row) OrderingValue() time.Time { return r.Ordering }

func (r Row) DocumentID() string { return r.ID }

// Document returns a copy of the columns with @timestamp set from the ordering value.
func (r Row) Document() map[string]any {
	doc := make(map[string]any, len(r.Columns)+1)
	for k, v := range r.Columns {
		doc[k] = v
	}
	if _, ok := doc[TimestampField]; !ok {
		doc[TimestampField] = r.Ordering.UTC().Format(time.RFC3339Nano)
	}
	return doc
}

// contentNamespace seeds name-based document ids.
var contentNamespace = uuid.MustParse("6b1f7c5e-2f4a-4d3b-9a57-0c1e8d2f4b6a")

// ContentID derives a deterministic id from the source name, the ordering value
// and the document content, so the same row always maps to the same sink document.
func ContentID(source string, ordering time.Time, doc map[string]any) string {
	// json.Marshal sorts map keys, which keeps the id stable across runs.
	b, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	name := make([]byte, 0, len(source)+len(b)+32)
	name = append(name, source...)
	name = append(name, 0)
	name = ordering.UTC().AppendFormat(name, time.RFC3339Nano)
	name = append(name, 0)
	name = append(name, b...)
	return uuid.NewSHA1(contentNamespace, name).String()
}

// transformed carries a rewritten document while keeping ordering and id of the original record.
type transformed struct {
	Record
	doc map[string]any
}

func (t transformed) Document() map[string]any { return t.doc }

func (t transformed) DocumentID() string {
	if id, ok := t.Record.(Identified); ok {
		return id.DocumentID()
	}
	return ""
}

// IDOf returns the sink document id for r, or "" when r has none.
func IDOf(r Record) string {
	if id, ok := r.(Identified); ok {
		return id.DocumentID()
	}
	return ""
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05.999999999"}

// ParseTime converts a column or payload value into a UTC time. It accepts
// time.Time, RFC3339 and ClickHouse style strings, and unix milliseconds.
func ParseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("null timestamp")
		}
		return t.UTC(), nil
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", t)
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("unrecognized timestamp %q", t)
		}
		return time.UnixMilli(ms).UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case uint64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case int:
		return time.UnixMilli(int64(t)).UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("null timestamp")
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

// DecodeColumns parses a JSON object message payload. Numbers are kept as
// json.Number so integers survive re-encoding unchanged.
func DecodeColumns(payload []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, errors.New("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var columns map[string]any
	if err := dec.Decode(&columns); err != nil {
		return nil, err
	}
	if columns == nil {
		return nil, errors.New("payload is not a JSON object")
	}
	return columns, nil
}
