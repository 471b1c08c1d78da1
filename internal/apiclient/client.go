// Package apiclient is an HTTP client for the sentinelgate API, shared by
// the operator CLI and the MCP server.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/sentinelgate/internal/admission"
	"github.com/mbd888/sentinelgate/internal/audit"
	"github.com/mbd888/sentinelgate/internal/retry"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second

	maxBodySize = 5 * 1024 * 1024
)

// Config holds the connection settings.
type Config struct {
	BaseURL string // e.g. "http://localhost:8080"
	Token   string // ADMIN_TOKEN of the server, optional
	Timeout time.Duration

	// Retry applies to idempotent reads only. Zero means a single attempt.
	Retry retry.Policy
}

// APIError is a non-2xx reply.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to a sentinelgate server.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client. Empty fields take defaults.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// PromptResult is the outcome of one POST /api/v1/prompt. Throttle and
// block replies are results, not errors.
type PromptResult struct {
	StatusCode int    `json:"statusCode"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Admitted reports whether the prompt was forwarded.
func (r *PromptResult) Admitted() bool { return r.StatusCode == http.StatusOK }

// SendPrompt submits a prompt on behalf of userID.
func (c *Client) SendPrompt(ctx context.Context, userID, prompt string) (*PromptResult, error) {
	body := map[string]string{"userId": userID, "prompt": prompt}
	status, raw, err := c.do(ctx, http.MethodPost, "/api/v1/prompt", nil, body)
	if err != nil {
		return nil, err
	}
	res := &PromptResult{StatusCode: status}
	if err := json.Unmarshal(raw, res); err != nil {
		return nil, fmt.Errorf("decode prompt reply (%d): %w", status, err)
	}
	res.StatusCode = status
	return res, nil
}

// ListUsers returns up to limit users, most recently seen first.
func (c *Client) ListUsers(ctx context.Context, limit int) ([]*admission.UserState, error) {
	var users []*admission.UserState
	err := c.get(ctx, "/api/v1/users", limitQuery(limit), &users)
	return users, err
}

// GetUser returns one user's state.
func (c *Client) GetUser(ctx context.Context, userID string) (*admission.UserState, error) {
	var user admission.UserState
	if err := c.get(ctx, "/api/v1/users/"+url.PathEscape(userID), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyUser records a completed human verification for userID.
func (c *Client) VerifyUser(ctx context.Context, userID string) (*admission.UserState, error) {
	raw, err := c.expectOK(c.do(ctx, http.MethodPost, "/api/v1/users/"+url.PathEscape(userID)+"/verify", nil, nil))
	if err != nil {
		return nil, err
	}
	var user admission.UserState
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &user, nil
}

// RecentQueries returns the newest query log entries.
func (c *Client) RecentQueries(ctx context.Context, limit int) ([]*audit.QueryEntry, error) {
	var entries []*audit.QueryEntry
	err := c.get(ctx, "/api/v1/system-history", limitQuery(limit), &entries)
	return entries, err
}

// RecentThreats returns the newest threat log entries.
func (c *Client) RecentThreats(ctx context.Context, limit int) ([]*audit.ThreatEntry, error) {
	var entries []*audit.ThreatEntry
	err := c.get(ctx, "/api/v1/threat-log", limitQuery(limit), &entries)
	return entries, err
}

// Health returns the decoded /health body. A degraded server is not an
// error.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	_, raw, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return out, nil
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": []string{strconv.Itoa(limit)}}
}

// get performs a GET with the read retry policy and decodes a 200 body
// into out. 4xx replies are not retried.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		raw, err := c.expectOK(c.do(ctx, http.MethodGet, path, query, nil))
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
				return retry.Permanent(err)
			}
			return err
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		return nil
	})
}

func (c *Client) expectOK(status int, raw []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, &APIError{StatusCode: status, Message: errorMessage(raw)}
	}
	return raw, nil
}

// errorMessage pulls the human-readable part out of an error body.
func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (int, []byte, error) {
	u, err := url.Parse(c.cfg.BaseURL + path)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}
