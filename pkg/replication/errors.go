package replication

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable is matched by errors returned when fetching from a source fails.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSinkRejected is matched by errors returned when the sink does not accept a batch.
	ErrSinkRejected = errors.New("sink rejected batch")
	// ErrPersistence is matched by errors returned when a watermark cannot be loaded or saved.
	ErrPersistence = errors.New("watermark persistence failed")

	ErrConnectorNotFound = errors.New("connector not found")
	ErrDuplicateSource   = errors.New("duplicate source name")
)

// SourceUnavailableError wraps a failed fetch.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

func (e *SourceUnavailableError) Is(target error) bool { return target == ErrSourceUnavailable }

// Unavailable wraps err as a SourceUnavailableError unless it already is one.
func Unavailable(source string, err error) error {
	if err == nil || errors.Is(err, ErrSourceUnavailable) {
		return err
	}
	return &SourceUnavailableError{Source: source, Err: err}
}

// ItemError is a single document rejected inside an otherwise successful bulk response.
type ItemError struct {
	Status int
	Type   string
	Reason string
}

// SinkRejectedError is returned by a Sink when a batch was not accepted.
// Status is 0 for transport failures.
type SinkRejectedError struct {
	Status int
	Body   string
	Items  []ItemError
	Err    error
}

func (e *SinkRejectedError) Error() string {
	switch {
	case len(e.Items) > 0:
		first := e.Items[0]
		return fmt.Sprintf("sink rejected %d documents (status %d): %s: %s",
			len(e.Items), first.Status, first.Type, first.Reason)
	case e.Err != nil:
		return fmt.Sprintf("sink request failed: %v", e.Err)
	default:
		return fmt.Sprintf("sink rejected batch with status %d: %s", e.Status, e.Body)
	}
}

func (e *SinkRejectedError) Unwrap() error { return e.Err }

func (e *SinkRejectedError) Is(target error) bool { return target == ErrSinkRejected }

// Retryable reports whether resending the same batch may succeed.
// Transport failures, 429 and 5xx responses are retryable; other 4xx are not.
func (e *SinkRejectedError) Retryable() bool {
	if e.Status == 0 || e.Status == 429 || e.Status >= 500 {
		return true
	}
	for _, it := range e.Items {
		if it.Status == 429 || it.Status >= 500 {
			return true
		}
	}
	return false
}

// PersistenceError wraps a watermark load or save failure.
type PersistenceError struct {
	Source string
	Op     string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("watermark %s for source %s: %v", e.Op, e.Source, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// errorKind maps an error to the label used in logs and metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, ErrSinkRejected):
		return "sink_rejected"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}
