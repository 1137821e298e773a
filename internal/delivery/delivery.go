// Package delivery posts events to subscriber webhooks.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds a single webhook call.
const DefaultTimeout = 10 * time.Second

// EventTypeHeader echoes the event type alongside the query parameter.
const EventTypeHeader = "X-Fanout-Event-Type"

// Sender delivers one event. Any returned error counts as a failed delivery.
type Sender interface {
	Send(ctx context.Context, endpoint, eventType, contentType string, payload []byte) error
}

// StatusError reports a non-2xx webhook response.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s responded %d %s", e.Endpoint, e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTP sends events with a single POST per call and never retries itself;
// retries belong to the broker's retry ladder.
type HTTP struct {
	client *http.Client
}

// NewHTTP returns an HTTP sender whose calls time out after timeout.
func NewHTTP(timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTP{client: &http.Client{Timeout: timeout}}
}

// NewHTTPWithClient wraps an existing client.
func NewHTTPWithClient(client *http.Client) *HTTP {
	return &HTTP{client: client}
}

// Send POSTs payload to endpoint?type=eventType with the given content type.
func (h *HTTP) Send(ctx context.Context, endpoint, eventType, contentType string, payload []byte) error {
	target, err := withType(endpoint, eventType)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "fanout")
	req.Header.Set(EventTypeHeader, eventType)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}
	return nil
}

// withType adds the type query parameter, keeping any the endpoint has.
func withType(endpoint, eventType string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("type", eventType)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var _ Sender = (*HTTP)(nil)
