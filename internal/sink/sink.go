// Package sink delivers batches of closed session records. Delivery is
// best effort: failures are reported to a callback and never retried.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds a single delivery.
const DefaultTimeout = 5 * time.Second

// ErrRelativeTarget is returned for a relative sink path without an origin
// to resolve it against.
var ErrRelativeTarget = errors.New("relative sink target needs an origin")

// Sink receives one newline-joined payload per batch.
type Sink interface {
	Send(ctx context.Context, payload string) error
}

// HTTPSink POSTs payloads as text/plain.
type HTTPSink struct {
	target string
	client *http.Client
}

// NewHTTPSink creates a sink for target, which may be relative to origin.
func NewHTTPSink(target, origin string, timeout time.Duration) (*HTTPSink, error) {
	resolved, err := Resolve(target, origin)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPSink{target: resolved, client: &http.Client{Timeout: timeout}}, nil
}

// Resolve resolves target against origin.
func Resolve(target, origin string) (string, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse sink target %q: %w", target, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if origin == "" {
		return "", fmt.Errorf("%w: %q", ErrRelativeTarget, target)
	}
	base, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin %q: %w", origin, err)
	}
	if !base.IsAbs() {
		return "", fmt.Errorf("%w: origin %q is not absolute", ErrRelativeTarget, origin)
	}
	return base.ResolveReference(ref).String(), nil
}

// Target returns the resolved URL.
func (s *HTTPSink) Target() string {
	return s.target
}

// Send posts payload.
func (s *HTTPSink) Send(ctx context.Context, payload string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.target, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", s.target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post to %s: status %d", s.target, resp.StatusCode)
	}
	return nil
}

// WriterSink writes each payload followed by a newline.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Send writes payload.
func (s *WriterSink) Send(_ context.Context, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, payload+"\n"); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}
