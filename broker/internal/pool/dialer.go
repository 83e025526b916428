package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
)

// Dialer attaches to a browser's remote debugging endpoint.
type Dialer interface {
	Dial(ctx context.Context, browserURL string) (Handle, error)
}

// Handle is a live attachment to one browser. Close detaches without
// shutting the browser down.
type Handle interface {
	Version(ctx context.Context) (BrowserVersion, error)
	Targets(ctx context.Context) ([]Target, error)
	Navigate(ctx context.Context, targetID, url string) error
	Close() error
}

// BrowserVersion describes the attached browser.
type BrowserVersion struct {
	Product         string `json:"product"`
	ProtocolVersion string `json:"protocolVersion"`
	Revision        string `json:"revision,omitempty"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion,omitempty"`
}

// Target is one debuggable target (page, service worker, extension, ...).
type Target struct {
	ID       string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// VersionInfo is the body of GET /json/version.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Detector resolves a browser URL to its DevTools websocket endpoint.
type Detector struct {
	client *resty.Client
}

// NewDetector creates a Detector whose requests time out after timeout.
func NewDetector(timeout time.Duration) *Detector {
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "devtools-broker")
	return &Detector{client: c}
}

// Detect fetches {browserURL}/json/version. The websocket URL Chrome reports
// uses its own bind address, so the host is rewritten to the one the broker
// reached it on.
func (d *Detector) Detect(ctx context.Context, browserURL string) (*VersionInfo, error) {
	base, err := url.Parse(browserURL)
	if err != nil || base.Host == "" {
		return nil, apperr.Validation(apperr.CodeInvalidBrowserURL, "invalid browser URL: %s", browserURL)
	}

	var info VersionInfo
	resp, err := d.client.R().
		SetContext(ctx).
		SetResult(&info).
		ForceContentType("application/json").
		Get(strings.TrimRight(browserURL, "/") + "/json/version")
	if err != nil {
		return nil, apperr.Connection(apperr.CodeBrowserNotAccessible, "browser at %s is not reachable", browserURL).
			Wrap(err).With("browserURL", browserURL)
	}
	if resp.IsError() {
		return nil, apperr.Connection(apperr.CodeBrowserNotAccessible, "browser at %s answered %d", browserURL, resp.StatusCode()).
			With("browserURL", browserURL)
	}
	if info.WebSocketDebuggerURL == "" {
		return nil, apperr.Connection(apperr.CodeBrowserNotAccessible, "browser at %s did not report a debugger URL", browserURL).
			With("browserURL", browserURL)
	}

	ws, err := url.Parse(info.WebSocketDebuggerURL)
	if err != nil {
		return nil, apperr.Connection(apperr.CodeBrowserNotAccessible, "bad debugger URL %q", info.WebSocketDebuggerURL).Wrap(err)
	}
	ws.Host = base.Host
	if base.Scheme == "https" {
		ws.Scheme = "wss"
	} else {
		ws.Scheme = "ws"
	}
	info.WebSocketDebuggerURL = ws.String()
	return &info, nil
}

// RodDialer attaches with go-rod over a raw CDP websocket.
type RodDialer struct {
	detector *Detector
	logger   *slog.Logger
}

// NewRodDialer creates the production dialer.
func NewRodDialer(detector *Detector, logger *slog.Logger) *RodDialer {
	return &RodDialer{detector: detector, logger: logger.With("component", "dialer")}
}

func (d *RodDialer) Dial(ctx context.Context, browserURL string) (Handle, error) {
	info, err := d.detector.Detect(ctx, browserURL)
	if err != nil {
		return nil, err
	}

	ws := &cdp.WebSocket{}
	if err := ws.Connect(ctx, info.WebSocketDebuggerURL, nil); err != nil {
		return nil, fmt.Errorf("open devtools websocket: %w", err)
	}
	client := cdp.New().Start(ws)
	browser := rod.New().Client(client).NoDefaultDevice()

	done := make(chan error, 1)
	go func() { done <- browser.Connect() }()
	select {
	case err := <-done:
		if err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("attach to browser: %w", err)
		}
	case <-ctx.Done():
		_ = ws.Close()
		<-done
		return nil, ctx.Err()
	}

	d.logger.Debug("attached", "browser_url", browserURL, "product", info.Browser)
	return &rodHandle{browser: browser, ws: ws}, nil
}

const detachTimeout = 5 * time.Second

type rodHandle struct {
	browser *rod.Browser
	ws      *cdp.WebSocket

	// navMu serializes Navigate: rod caches one page per target, and a
	// detach must not race another caller using the cached page.
	navMu sync.Mutex
}

func (h *rodHandle) Version(ctx context.Context) (BrowserVersion, error) {
	v, err := h.browser.Context(ctx).Version()
	if err != nil {
		return BrowserVersion{}, err
	}
	return BrowserVersion{
		Product:         v.Product,
		ProtocolVersion: v.ProtocolVersion,
		Revision:        v.Revision,
		UserAgent:       v.UserAgent,
		JSVersion:       v.JsVersion,
	}, nil
}

func (h *rodHandle) Targets(ctx context.Context) ([]Target, error) {
	res, err := proto.TargetGetTargets{}.Call(h.browser.Context(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]Target, 0, len(res.TargetInfos))
	for _, t := range res.TargetInfos {
		out = append(out, Target{
			ID:       string(t.TargetID),
			Type:     string(t.Type),
			Title:    t.Title,
			URL:      t.URL,
			Attached: t.Attached,
		})
	}
	return out, nil
}

// Navigate attaches a CDP session to the target for the duration of the
// navigation and detaches it afterwards.
func (h *rodHandle) Navigate(ctx context.Context, targetID, rawURL string) error {
	h.navMu.Lock()
	defer h.navMu.Unlock()

	b := h.browser.Context(ctx)
	page, err := b.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return fmt.Errorf("attach to target %s: %w", targetID, err)
	}
	defer h.detach(page)

	if err := page.Navigate(rawURL); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

func (h *rodHandle) detach(page *rod.Page) {
	h.browser.RemoveState(page.TargetID)
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	_ = proto.TargetDetachFromTarget{SessionID: page.SessionID}.Call(h.browser.Context(ctx))
}

// Close drops the websocket only. Browser.Close would terminate the
// user's browser process.
func (h *rodHandle) Close() error {
	return h.ws.Close()
}
