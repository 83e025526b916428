// Package adminclient talks to a running broker's admin and ops endpoints.
// It backs the status, top, export, import and compact commands.
package adminclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/pool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/session"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/store"
)

// AdminKeyHeader carries the operator key.
const AdminKeyHeader = "X-Admin-Key"

const defaultTimeout = 10 * time.Second

// Health is the body of GET /health.
type Health struct {
	Status        string        `json:"status"`
	Version       string        `json:"version"`
	Sessions      session.Stats `json:"sessions"`
	Browsers      pool.Stats    `json:"browsers"`
	Users         store.Stats   `json:"users"`
	RoutedUsers   int           `json:"routedUsers"`
	Uptime        float64       `json:"uptime"`
	AuthEnabled   bool          `json:"authEnabled"`
	AdminRequired bool          `json:"adminRequired"`
}

// Sessions is the body of GET /api/admin/sessions.
type Sessions struct {
	Sessions []session.Info `json:"sessions"`
	Stats    session.Stats  `json:"stats"`
}

// Connections is the body of GET /api/admin/connections.
type Connections struct {
	Connections []pool.Snapshot `json:"connections"`
	Stats       pool.Stats      `json:"stats"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   apperr.Body
}

func (e *APIError) Error() string {
	if e.Body.Code != "" {
		return fmt.Sprintf("%s (%d): %s", e.Body.Code, e.Status, e.Body.Message)
	}
	return fmt.Sprintf("broker returned %d", e.Status)
}

// Client is an admin API client. Requests are retried on connection
// errors and 5xx responses.
type Client struct {
	http    *resty.Client
	timeout time.Duration
}

// Options configures a Client.
type Options struct {
	AdminKey string
	Timeout  time.Duration
	RetryMax int
	Logger   *slog.Logger
}

// New creates a client for the broker at baseURL.
func New(baseURL string, opts Options) *Client {
	retry := retryablehttp.NewClient()
	retry.RetryMax = opts.RetryMax
	if retry.RetryMax == 0 {
		retry.RetryMax = 3
	}
	retry.RetryWaitMin = 200 * time.Millisecond
	retry.RetryWaitMax = 2 * time.Second
	retry.Logger = nil
	if opts.Logger != nil {
		retry.Logger = opts.Logger
	}
	// Hand non-2xx responses back so their error bodies can be decoded.
	retry.ErrorHandler = retryablehttp.PassthroughErrorHandler

	rc := resty.NewWithClient(retry.StandardClient()).
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "devtools-broker-cli")
	if opts.AdminKey != "" {
		rc.SetHeader(AdminKeyHeader, opts.AdminKey)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{http: rc, timeout: timeout}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	// Decoded here rather than by resty, which skips bodies that are not
	// labelled application/json.
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

func checkResponse(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode()}
	_ = json.Unmarshal(resp.Body(), &apiErr.Body)
	return apiErr
}

// Health fetches GET /health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Sessions lists live sessions.
func (c *Client) Sessions(ctx context.Context) (*Sessions, error) {
	var s Sessions
	if err := c.do(ctx, http.MethodGet, "/api/admin/sessions", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Connections lists pooled browser connections.
func (c *Client) Connections(ctx context.Context) (*Connections, error) {
	var s Connections
	if err := c.do(ctx, http.MethodGet, "/api/admin/connections", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// EvictSession closes one session.
func (c *Client) EvictSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/admin/sessions/"+sessionID, nil, nil)
}

// Export returns the routing table document.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.http.R().SetContext(ctx).Get("/api/admin/export")
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

// Import loads a routing table document and returns the imported count.
func (c *Client) Import(ctx context.Context, doc []byte) (int, error) {
	var out struct {
		Imported int `json:"imported"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/admin/import", json.RawMessage(doc), &out); err != nil {
		return 0, err
	}
	return out.Imported, nil
}

// Compact snapshots and truncates the store's log.
func (c *Client) Compact(ctx context.Context) (*store.Stats, error) {
	var out struct {
		Stats store.Stats `json:"stats"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/admin/compact", nil, &out); err != nil {
		return nil, err
	}
	return &out.Stats, nil
}

// Events streams GET /api/admin/events until ctx is cancelled or the
// server ends the stream. The channel is closed on return.
func (c *Client) Events(ctx context.Context, types ...string) (<-chan events.Event, error) {
	req := c.http.R().SetContext(ctx).SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream")
	if len(types) > 0 {
		req.SetQueryParam("types", strings.Join(types, ","))
	}
	resp, err := req.Get("/api/admin/events")
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	raw := resp.RawBody()
	if !resp.IsSuccess() {
		apiErr := &APIError{Status: resp.StatusCode()}
		_ = json.NewDecoder(raw).Decode(&apiErr.Body)
		raw.Close()
		return nil, apiErr
	}

	out := make(chan events.Event, 64)
	go func() {
		defer close(out)
		defer raw.Close()
		sc := bufio.NewScanner(raw)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		var data strings.Builder
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if data.Len() == 0 {
					continue
				}
				var e events.Event
				if err := json.Unmarshal([]byte(data.String()), &e); err == nil {
					select {
					case out <- e:
					case <-ctx.Done():
						return
					}
				}
				data.Reset()
			case strings.HasPrefix(line, "data:"):
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
	}()
	return out, nil
}
