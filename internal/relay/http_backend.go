package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var errBackendStatus = errors.New("backend returned non-success status")

// HTTPBackend posts payloads as JSON to a webhook URL.
type HTTPBackend struct {
	url    string
	client *http.Client
}

// NewHTTPBackend creates an HTTP backend with the given request timeout.
func NewHTTPBackend(url string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Deliver implements Backend.
func (b *HTTPBackend) Deliver(ctx context.Context, payload Payload) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to backend: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", errBackendStatus, resp.StatusCode)
	}

	// An empty or non-JSON body is a success with nothing to act on.
	var out Response
	if len(bytes.TrimSpace(data)) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return &Response{}, nil
	}
	return &out, nil
}

var _ Backend = (*HTTPBackend)(nil)
