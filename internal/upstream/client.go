// Package upstream talks to the backend: the generate calls, OAuth refresh,
// project resolution and quota fetch.
//
// FILES:
//   - client.go:  transport with endpoint fallback
//   - oauth.go:   refresh-token grant
//   - project.go: loadCodeAssist project and tier resolution
//   - quota.go:   fetchAvailableModels quota parsing
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/relay-gateway/internal/config"
	"github.com/compresr/relay-gateway/internal/utils"
)

// Backend methods, appended to "/v1internal:".
const (
	MethodStreamGenerate = "streamGenerateContent"
	MethodGenerate       = "generateContent"
	MethodCountTokens    = "countTokens"
	MethodLoadCodeAssist = "loadCodeAssist"
	MethodFetchModels    = "fetchAvailableModels"
)

// StreamQuery asks the backend for SSE framing.
const StreamQuery = "alt=sse"

const apiPrefix = "/v1internal:"

// StatusError is a non-2xx backend response.
type StatusError struct {
	Status     int
	Body       []byte
	RetryAfter string
	Endpoint   string
}

func (e *StatusError) Error() string {
	body := utils.Truncate(strings.TrimSpace(string(e.Body)), config.MaxErrorBodyLogLen)
	return fmt.Sprintf("upstream status %d: %s", e.Status, body)
}

// fallbackStatus reports whether another endpoint may succeed where this one failed.
func fallbackStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusNotFound:
		return true
	}
	return status >= 500
}

// =============================================================================
// Client
// =============================================================================

// Client calls the backend. Safe for concurrent use.
type Client struct {
	endpoints  []string
	userAgent  string
	httpClient *http.Client
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithEndpoints overrides the configured endpoint list.
func WithEndpoints(endpoints ...string) ClientOption {
	return func(client *Client) {
		client.endpoints = endpoints
	}
}

// NewClient creates a backend client from the upstream section.
func NewClient(cfg config.UpstreamConfig, opts ...ClientOption) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultUpstreamTimeout
	}
	c := &Client{
		endpoints:  cfg.Endpoints,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Transport: newTransport(timeout)},
	}
	if len(c.endpoints) == 0 {
		c.endpoints = config.DefaultUpstreamEndpoints
	}
	if c.userAgent == "" {
		c.userAgent = config.DefaultUserAgent
	}
	for _, opt := range opts {
		opt(c)
	}
	endpoints := make([]string, len(c.endpoints))
	for i, e := range c.endpoints {
		endpoints[i] = strings.TrimRight(e, "/")
	}
	c.endpoints = endpoints
	return c
}

// newTransport bounds the wait for response headers only. A streamed body has
// no deadline of its own and ends with the request context.
func newTransport(headerTimeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = headerTimeout
	return t
}

// Endpoints returns the endpoints in fallback order.
func (c *Client) Endpoints() []string {
	return append([]string(nil), c.endpoints...)
}

// CallBackend POSTs body to one backend method, trying each endpoint in order.
// A 429, 408, 404, 5xx or network failure moves on to the next endpoint; the
// last failure is returned. On success the caller owns resp.Body.
func (c *Client) CallBackend(ctx context.Context, method, accessToken string, body []byte, query string) (*http.Response, error) {
	var lastErr error
	for idx, base := range c.endpoints {
		url := base + apiPrefix + method
		if query != "" {
			url += "?" + query
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create upstream request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("User-Agent", c.userAgent)
		if query == StreamQuery {
			req.Header.Set("Accept", "text/event-stream")
		}

		last := idx == len(c.endpoints)-1
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil, err
			}
			lastErr = fmt.Errorf("upstream request to %s: %w", base, err)
			if !last {
				log.Warn().Err(err).Str("endpoint", base).Str("method", method).Msg("upstream: request failed, trying next endpoint")
			}
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		statusErr := &StatusError{
			Status:     resp.StatusCode,
			Body:       data,
			RetryAfter: resp.Header.Get("Retry-After"),
			Endpoint:   base,
		}
		if !fallbackStatus(resp.StatusCode) {
			return nil, statusErr
		}
		lastErr = statusErr
		if !last {
			log.Warn().Int("status", resp.StatusCode).Str("endpoint", base).Str("method", method).Msg("upstream: status eligible for fallback, trying next endpoint")
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no upstream endpoints configured")
	}
	return nil, lastErr
}

// postJSON calls a unary backend method and returns the whole body.
func (c *Client) postJSON(ctx context.Context, method, accessToken string, body []byte) ([]byte, error) {
	resp, err := c.CallBackend(ctx, method, accessToken, body, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}
	return data, nil
}

// newHTTPClient is shared by the helpers that talk to non-backend hosts.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
