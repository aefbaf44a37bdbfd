package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxErrorBody caps how much of a failed response body is kept in a StatusError.
const maxErrorBody = 4096

// RequestConfig holds configuration for HTTP requests
type RequestConfig struct {
	// Client performs the request. A client with Timeout is created when nil.
	Client  *http.Client
	Logger  *zap.Logger
	Headers map[string][]string
	// ResponseHandler inspects a 2xx response. Its error is returned as is.
	ResponseHandler func(*Response) error
	Method          string
	URL             string
	Timeout         time.Duration
}

// DefaultRequestConfig returns a RequestConfig with sensible defaults
func DefaultRequestConfig(method, url string) RequestConfig {
	return RequestConfig{
		Method:  method,
		URL:     url,
		Timeout: 5 * time.Second,
	}
}

// Response represents an HTTP response with additional metadata
type Response struct {
	Headers    http.Header
	Body       []byte
	StatusCode int
}

// StatusError is returned for a response outside the 2xx range.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// Request performs a single HTTP request. Callers decide whether and when to
// send again; a non-2xx response is a *StatusError and the response is still
// returned for inspection.
func Request(ctx context.Context, config RequestConfig, payload any) (*Response, error) {
	var body io.Reader
	if payload != nil {
		switch v := payload.(type) {
		case []byte:
			body = bytes.NewReader(v)
		case string:
			body = strings.NewReader(v)
		default:
			b, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal payload: %w", err)
			}
			body = bytes.NewReader(b)
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	req, err := http.NewRequestWithContext(ctx, config.Method, config.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range config.Headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Debug("request failed", zap.String("url", config.URL), zap.Error(err))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Headers:    resp.Header,
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Debug("request rejected", zap.String("url", config.URL), zap.Int("status", resp.StatusCode))
		return response, &StatusError{StatusCode: resp.StatusCode, Body: truncate(respBody)}
	}
	if config.ResponseHandler != nil {
		if err := config.ResponseHandler(response); err != nil {
			return response, err
		}
	}
	return response, nil
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
