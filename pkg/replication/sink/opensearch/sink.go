// Package opensearch delivers batches to the OpenSearch (or Elasticsearch) _bulk API.
package opensearch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/edgeflare/logsync/pkg/httputil"
	"github.com/edgeflare/logsync/pkg/replication"
	"github.com/edgeflare/logsync/pkg/util"
	"go.uber.org/zap"
)

const contentTypeNDJSON = "application/x-ndjson"

// Sink is a replication.Sink for the _bulk endpoint. It is safe for concurrent use.
type Sink struct {
	client  *http.Client
	logger  *zap.Logger
	base    *url.URL
	headers map[string][]string
	refresh string
}

// New builds a Sink from cfg.
func New(cfg Config, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}

	tlsConfig, err := util.TLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}

	s := &Sink{
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		logger:  logger,
		base:    base,
		headers: buildHeaders(cfg),
		refresh: cfg.Refresh,
	}

	logger.Info("opensearch sink initialized",
		zap.String("url", base.Redacted()),
		zap.String("auth_type", string(cfg.Auth.Type)),
		zap.Duration("timeout", cfg.Timeout))
	return s, nil
}

type bulkAction struct {
	Index bulkMeta `json:"index"`
}

type bulkMeta struct {
	ID string `json:"_id,omitempty"`
}

// Encode frames r as an index action line followed by its document line.
// Identified records carry their id so that re-delivery overwrites.
func (s *Sink) Encode(r replication.Record) ([]byte, error) {
	action, err := json.Marshal(bulkAction{Index: bulkMeta{ID: replication.IDOf(r)}})
	if err != nil {
		return nil, fmt.Errorf("marshal bulk action: %w", err)
	}
	doc, err := json.Marshal(r.Document())
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	entry := make([]byte, 0, len(action)+len(doc)+2)
	entry = append(entry, action...)
	entry = append(entry, '\n')
	entry = append(entry, doc...)
	entry = append(entry, '\n')
	return entry, nil
}

// Send posts the whole batch in one request. It never retries.
func (s *Sink) Send(ctx context.Context, index string, b replication.Batch) error {
	if index == "" {
		return &replication.SinkRejectedError{Err: errors.New("empty index name")}
	}
	if b.Len() == 0 {
		return nil
	}

	body := make([]byte, 0, b.Size)
	for _, entry := range b.Entries {
		body = append(body, entry...)
	}

	config := httputil.DefaultRequestConfig(http.MethodPost, s.bulkURL(index))
	config.Client = s.client
	config.Logger = s.logger
	config.Headers = s.headers
	config.ResponseHandler = inspectItems

	if _, err := httputil.Request(ctx, config, body); err != nil {
		var rejected *replication.SinkRejectedError
		if errors.As(err, &rejected) {
			return rejected
		}
		var statusErr *httputil.StatusError
		if errors.As(err, &statusErr) {
			return &replication.SinkRejectedError{Status: statusErr.StatusCode, Body: statusErr.Body}
		}
		return &replication.SinkRejectedError{Err: err}
	}

	s.logger.Debug("bulk request accepted",
		zap.String("index", index),
		zap.Int("documents", b.Len()),
		zap.Int("bytes", len(body)))
	return nil
}

func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Sink) bulkURL(index string) string {
	u := s.base.JoinPath(index, "_bulk")
	if s.refresh != "" {
		q := u.Query()
		q.Set("refresh", s.refresh)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

type bulkResponse struct {
	Errors bool                        `json:"errors"`
	Items  []map[string]bulkItemResult `json:"items"`
}

type bulkItemResult struct {
	Status int `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// inspectItems turns a 2xx bulk response that reports item failures into a rejection.
func inspectItems(resp *httputil.Response) error {
	items, err := failedItems(resp.Body)
	if err != nil {
		return &replication.SinkRejectedError{Status: resp.StatusCode, Body: string(resp.Body), Err: err}
	}
	if len(items) > 0 {
		return &replication.SinkRejectedError{Status: resp.StatusCode, Items: items}
	}
	return nil
}

// failedItems returns the documents rejected inside a 2xx bulk response.
func failedItems(body []byte) ([]replication.ItemError, error) {
	var resp bulkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	if !resp.Errors {
		return nil, nil
	}
	var items []replication.ItemError
	for _, item := range resp.Items {
		for _, result := range item {
			if result.Status < 300 && result.Error == nil {
				continue
			}
			ie := replication.ItemError{Status: result.Status}
			if result.Error != nil {
				ie.Type = result.Error.Type
				ie.Reason = result.Error.Reason
			}
			items = append(items, ie)
		}
	}
	return items, nil
}

func buildHeaders(cfg Config) map[string][]string {
	headers := make(map[string][]string)
	for key, value := range cfg.Headers {
		headers[key] = []string{value}
	}
	headers["Content-Type"] = []string{contentTypeNDJSON}

	switch cfg.Auth.Type {
	case AuthTypeAPIKey:
		if cfg.Auth.APIKeyName != "" {
			headers[cfg.Auth.APIKeyName] = []string{cfg.Auth.APIKey}
		} else {
			headers["Authorization"] = []string{"ApiKey " + cfg.Auth.APIKey}
		}
	case AuthTypeBasic:
		headers["Authorization"] = []string{"Basic " + basicAuth(cfg.Auth.Username, cfg.Auth.Password)}
	case AuthTypeBearer:
		headers["Authorization"] = []string{"Bearer " + cfg.Auth.Token}
	}
	return headers
}

func basicAuth(username, password string) string {
	auth := username + ":" + password
	return base64.StdEncoding.EncodeToString([]byte(auth))
}

func init() {
	replication.RegisterSink(replication.ConnectorOpenSearch, func(_ context.Context, config map[string]any, logger *zap.Logger) (replication.Sink, error) {
		cfg := defaultConfig()
		if err := replication.DecodeConfig(config, &cfg); err != nil {
			return nil, fmt.Errorf("opensearch: %w", err)
		}
		return New(cfg, logger)
	})
}
