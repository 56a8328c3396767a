// Package sink persists materialized records either directly into the record
// store or through the remote save endpoint.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
)

// TokenHeader carries the shared secret on save requests.
const TokenHeader = "X-API-Token"

// SavePath is the remote save endpoint relative to the base URL.
const SavePath = "/api/save_movie"

// StoreSink writes into a Store, serializing writers.
type StoreSink struct {
	mu    sync.Mutex
	store crawler.Store
	clock crawler.Clock
}

var _ crawler.Sink = (*StoreSink)(nil)

// NewStoreSink builds a StoreSink. clock stamps UpdatedAt.
func NewStoreSink(store crawler.Store, clock crawler.Clock) *StoreSink {
	return &StoreSink{store: store, clock: clock}
}

// Save upserts record. Records without magnets are refused.
func (s *StoreSink) Save(ctx context.Context, record crawler.MovieRecord) error {
	if record.Magnets.Len() == 0 {
		return fmt.Errorf("save %s: %w", record.Code, crawler.ErrNoMagnets)
	}
	if s.clock != nil {
		record.UpdatedAt = s.clock.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Upsert(ctx, record)
}

// RemoteSink posts records to a remote save endpoint.
type RemoteSink struct {
	client   *http.Client
	endpoint string
	token    string
}

var _ crawler.Sink = (*RemoteSink)(nil)

// NewRemoteSink builds a RemoteSink targeting baseURL + SavePath.
func NewRemoteSink(baseURL, token string, timeout time.Duration) (*RemoteSink, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("remote sink: base url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteSink{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(baseURL, "/") + SavePath,
		token:    token,
	}, nil
}

// Save posts the record. Any status other than 200 is an error.
func (s *RemoteSink) Save(ctx context.Context, record crawler.MovieRecord) error {
	if record.Magnets.Len() == 0 {
		return fmt.Errorf("save %s: %w", record.Code, crawler.ErrNoMagnets)
	}
	payload, err := json.Marshal(record.Payload())
	if err != nil {
		return fmt.Errorf("encode %s: %w", record.Code, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build save request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set(TokenHeader, s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", record.Code, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: %w: %s", record.Code,
			&crawler.HTTPStatusError{URL: s.endpoint, StatusCode: resp.StatusCode}, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
