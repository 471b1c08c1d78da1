// Package downstream forwards admitted prompts to the generation endpoint.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/sentinelgate/internal/circuitbreaker"
	"github.com/mbd888/sentinelgate/internal/logging"
)

// ErrUnavailable wraps every forwarding failure.
var ErrUnavailable = errors.New("downstream: unavailable")

const (
	DefaultTimeout  = 30 * time.Second
	maxResponseSize = 5 * 1024 * 1024 // 5MB

	breakerThreshold = 5
	breakerCoolDown  = 30 * time.Second
)

// statusError is a non-2xx reply.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("HTTP %d", e.code) }

type generateRequest struct {
	UserID string `json:"userId"`
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Response *string `json:"response"`
}

// Option configures an HTTPForwarder.
type Option func(*HTTPForwarder)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *HTTPForwarder) { f.client = c }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(f *HTTPForwarder) { f.breaker = b }
}

// HTTPForwarder POSTs {userId, prompt} to a fixed endpoint and expects
// {response}. A circuit breaker keyed by host stops hammering an endpoint
// that keeps failing.
type HTTPForwarder struct {
	client   *http.Client
	endpoint string
	host     string
	breaker  *circuitbreaker.Breaker
}

// NewHTTPForwarder creates a forwarder for endpoint. Pass timeout=0 to use
// DefaultTimeout.
func NewHTTPForwarder(endpoint string, timeout time.Duration, opts ...Option) (*HTTPForwarder, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("downstream: invalid endpoint %q", endpoint)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	f := &HTTPForwarder{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		host:     u.Host,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.breaker == nil {
		f.breaker = circuitbreaker.New(breakerThreshold, breakerCoolDown)
	}
	return f, nil
}

// Forward sends the prompt and returns the generated text. Non-JSON
// bodies are passed through verbatim.
func (f *HTTPForwarder) Forward(ctx context.Context, userID, prompt string) (string, error) {
	var text string
	start := time.Now()

	err := f.breaker.Execute(ctx, f.host, countsAsFailure, func(ctx context.Context) error {
		var err error
		text, err = f.do(ctx, userID, prompt)
		return err
	})
	forwardLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			outcome = "circuit_open"
		case ctx.Err() != nil:
			outcome = "canceled"
		}
		forwardTotal.WithLabelValues(outcome).Inc()
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	forwardTotal.WithLabelValues("success").Inc()
	return text, nil
}

func (f *HTTPForwarder) do(ctx context.Context, userID, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{UserID: userID, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := logging.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &statusError{code: resp.StatusCode}
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Response != nil {
		return *parsed.Response, nil
	}
	return string(raw), nil
}

// countsAsFailure decides which errors move the breaker toward open.
// Caller cancellation and 4xx replies say nothing about endpoint health.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}
