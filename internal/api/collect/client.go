package collect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// Client talks to a collection endpoint over HTTP.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

var _ ports.Collector = (*Client)(nil)

// NewClient creates a client for the collector at baseURL.
// The default HTTP client is traced with OpenTelemetry and has no timeout.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession sends createSession.
func (c *Client) CreateSession(ctx context.Context, s *domain.Session) error {
	return c.send(ctx, "create_session", http.MethodPost, PathSessions, s)
}

// RecordPageView sends recordPageView.
func (c *Client) RecordPageView(ctx context.Context, pv *domain.PageView) error {
	return c.send(ctx, "record_page_view", http.MethodPost, PathPageViews, pv)
}

// UpdatePageView sends updatePageView over an ordinary request.
func (c *Client) UpdatePageView(ctx context.Context, pv *domain.PageView) error {
	return c.send(ctx, "update_page_view", http.MethodPatch, PathPageViews, pv)
}

// RecordAction sends recordAction.
func (c *Client) RecordAction(ctx context.Context, a *domain.Action) error {
	return c.send(ctx, "record_action", http.MethodPost, PathActions, a)
}

// UpdateSession sends updateSession.
func (c *Client) UpdateSession(ctx context.Context, u *domain.SessionUpdate) error {
	return c.send(ctx, "update_session", http.MethodPatch, SessionPath(url.PathEscape(u.SessionID)), u)
}

// Post sends a pre-encoded JSON payload to path. Beacons use it.
func (c *Client) Post(ctx context.Context, path string, payload []byte) error {
	return c.do(ctx, "beacon", http.MethodPost, path, payload)
}

func (c *Client) send(ctx context.Context, op, method, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: failed to marshal request: %w", op, err)
	}
	return c.do(ctx, op, method, path, payload)
}

func (c *Client) do(ctx context.Context, op, method, path string, payload []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Op: op, StatusCode: resp.StatusCode}
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil {
			statusErr.Message = errResp.Error
		}
		return statusErr
	}

	return nil
}
