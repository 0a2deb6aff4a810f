// Package webhook delivers encoded transfer events to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chrisbazley/cblibrary/adapter"
	"github.com/chrisbazley/cblibrary/iox"
	"github.com/chrisbazley/cblibrary/types"
)

// DefaultTimeout bounds each POST.
const DefaultTimeout = 10 * time.Second

// EventHeader names the event type on every request.
const EventHeader = "X-Cblib-Event"

// Config configures a Sink.
type Config struct {
	// URL receives the POSTs.
	URL string
	// Headers are added to every request, after the defaults.
	Headers map[string]string
	Timeout time.Duration
}

// Sink POSTs each payload as application/json.
type Sink struct {
	url     string
	headers http.Header
	client  *http.Client
}

// New returns a Sink for cfg.URL.
func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook: no URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", "cblib/"+types.Version)
	h.Set(EventHeader, adapter.EventTypeTransferFinished)
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}
	return &Sink{url: cfg.URL, headers: h, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Deliver POSTs payload once. A 4xx response is permanent; anything
// else that fails may succeed on retry.
func (s *Sink) Deliver(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return adapter.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header = s.headers.Clone()

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer iox.DiscardClose(resp.Body)
	_, _ = io.Copy(io.Discard, resp.Body)

	switch c := resp.StatusCode; {
	case c >= 200 && c < 300:
		return nil
	case c >= 400 && c < 500:
		return adapter.Permanent(&StatusError{Code: c})
	default:
		return &StatusError{Code: c}
	}
}

// Close drops idle connections.
func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

var _ adapter.Sink = (*Sink)(nil)
