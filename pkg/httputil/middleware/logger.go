package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/edgeflare/logsync/pkg/httputil"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ResponseRecorder is a wrapper for http.ResponseWriter to capture status codes and durations.
type ResponseRecorder struct {
	start time.Time
	http.ResponseWriter
	StatusCode int
	Bytes      int
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
		start:          time.Now(),
	}
}

func (rr *ResponseRecorder) WriteHeader(statusCode int) {
	rr.StatusCode = statusCode
	rr.ResponseWriter.WriteHeader(statusCode)
}

func (rr *ResponseRecorder) Write(b []byte) (int, error) {
	n, err := rr.ResponseWriter.Write(b)
	rr.Bytes += n
	return n, err
}

// LoggerFrom returns the request logger stored by the logger middleware, or a no-op logger.
func LoggerFrom(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(httputil.LogEntryCtxKey).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// LoggerOptions defines configuration for the logger middleware.
type LoggerOptions struct {
	Logger *zap.Logger
	// Level of the per-request entry, responses with status >= 500 are always logged at error level
	Level  zapcore.Level
	Format func(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field
}

func defaultFormat(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field {
	return []zap.Field{
		zap.String("req_id", reqID),
		zap.Int("status", rec.StatusCode),
		zap.String("method", r.Method),
		zap.String("url", r.URL.String()),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
		zap.Int("bytes", rec.Bytes),
		zap.Duration("latency", latency),
	}
}

// LoggerWithOptions logs one entry per request. Nested loggers are skipped.
func LoggerWithOptions(options *LoggerOptions) func(http.Handler) http.Handler {
	opts := LoggerOptions{Logger: zap.NewNop(), Format: defaultFormat}
	if options != nil {
		if options.Logger != nil {
			opts.Logger = options.Logger
		}
		if options.Format != nil {
			opts.Format = options.Format
		}
		opts.Level = options.Level
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := r.Context().Value(httputil.LogEntryCtxKey).(*zap.Logger); ok {
				next.ServeHTTP(w, r)
				return
			}

			reqID, ok := r.Context().Value(httputil.RequestIDCtxKey).(string)
			if !ok {
				reqID = uuid.Nil.String()
			}
			rec := NewResponseRecorder(w)
			reqLogger := opts.Logger.With(zap.String("req_id", reqID))
			ctx := context.WithValue(r.Context(), httputil.LogEntryCtxKey, reqLogger)

			next.ServeHTTP(rec, r.WithContext(ctx))

			level := opts.Level
			if rec.StatusCode >= http.StatusInternalServerError {
				level = zapcore.ErrorLevel
			}
			if ce := opts.Logger.Check(level, "response"); ce != nil {
				ce.Write(opts.Format(reqID, rec, r, time.Since(rec.start))...)
			}
		})
	}
}
