// Package gateway carries MCP JSON-RPC traffic between clients and their
// sessions. Clients connect over SSE (GET /sse + POST /message) or a
// WebSocket (GET /ws); every message is dispatched to one shared MCP server
// under the owning session's exec lock.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/router"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/session"
)

// Authorizer authenticates a connecting client.
type Authorizer interface {
	Authorize(ctx context.Context, remoteAddr, token string) (*auth.Identity, error)
}

// Routes resolves a user's current browser mapping.
type Routes interface {
	GetMapping(userID string) (router.Mapping, bool)
}

// Recorder persists connect and tool-call statistics.
type Recorder interface {
	RecordConnect(ctx context.Context, browserID string) error
	RecordToolCall(ctx context.Context, browserID string) (int64, error)
}

// Options configures the gateway.
type Options struct {
	Name              string
	Version           string
	KeepaliveInterval time.Duration
	ToolTimeout       time.Duration
	MaxMessageBytes   int64
	AllowedOrigins    []string
}

func (o *Options) applyDefaults() {
	if o.Name == "" {
		o.Name = "devtools-broker"
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 15 * time.Second
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = 30 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
}

// Gateway owns the MCP server and the client transports.
type Gateway struct {
	auth     Authorizer
	routes   Routes
	recorder Recorder
	sessions *session.Manager
	bus      *events.Bus
	logger   *slog.Logger
	opts     Options
	mcp      *mcpserver.MCPServer
	upgrader websocket.Upgrader

	mu      sync.Mutex
	holders map[string]string // browser ID -> session ID, browser-token clients only

	wg sync.WaitGroup
}

// New creates a gateway. bus may be nil.
func New(a Authorizer, routes Routes, rec Recorder, sessions *session.Manager, bus *events.Bus, logger *slog.Logger, opts Options) *Gateway {
	opts.applyDefaults()
	g := &Gateway{
		auth:     a,
		routes:   routes,
		recorder: rec,
		sessions: sessions,
		bus:      bus,
		logger:   logger.With("component", "gateway"),
		opts:     opts,
		holders:  make(map[string]string),
	}
	g.mcp = mcpserver.NewMCPServer(opts.Name, opts.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions("Tools act on the Chrome instance registered for the connected user."),
	)
	g.registerTools()
	g.upgrader = makeUpgrader(opts.AllowedOrigins)
	return g
}

// MCPServer exposes the shared MCP server.
func (g *Gateway) MCPServer() *mcpserver.MCPServer { return g.mcp }

// Wait blocks until in-flight dispatches finish.
func (g *Gateway) Wait() { g.wg.Wait() }

// admission is an authorized connect request.
type admission struct {
	identity  *auth.Identity
	userID    string
	browserID string
}

// admit authorizes a connect request and resolves the browser it routes to.
// Nothing is allocated here.
func (g *Gateway) admit(r *http.Request) (*admission, error) {
	token := auth.ExtractToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	id, err := g.auth.Authorize(r.Context(), r.RemoteAddr, token)
	if err != nil {
		return nil, err
	}

	userID := r.URL.Query().Get("userId")
	if id.Method != auth.MethodAnonymous && id.UserID != "" {
		if userID == "" {
			userID = id.UserID
		} else if userID != id.UserID && (id.Method == auth.MethodBrowserToken || !id.Can(auth.PermAll)) {
			return nil, apperr.Forbidden(apperr.CodeForbidden, "token does not grant access to user %s", userID)
		}
	}
	if userID == "" {
		return nil, apperr.Validation(apperr.CodeMissingParameter, "userId is required")
	}

	a := &admission{identity: id, userID: userID, browserID: id.BrowserID}
	if a.browserID == "" || id.UserID != userID {
		m, ok := g.routes.GetMapping(userID)
		if !ok {
			return nil, apperr.Validation(apperr.CodeUserNotRegistered, "user %s is not registered", userID).
				With("userId", userID)
		}
		a.browserID = m.BrowserID
	}
	return a, nil
}

// claim reserves the browser for a browser-token client. It returns a
// release func.
func (g *Gateway) claim(a *admission) (func(sessionID string), func(), error) {
	if a.identity.Method != auth.MethodBrowserToken {
		return func(string) {}, func() {}, nil
	}
	key := a.identity.BrowserID
	g.mu.Lock()
	if holder, ok := g.holders[key]; ok {
		g.mu.Unlock()
		return nil, nil, apperr.Conflict(apperr.CodeConcurrentConnection, "browser token already has an active connection").
			With("sessionId", holder)
	}
	g.holders[key] = ""
	g.mu.Unlock()

	bind := func(sessionID string) {
		g.mu.Lock()
		g.holders[key] = sessionID
		g.mu.Unlock()
	}
	release := func() {
		g.mu.Lock()
		delete(g.holders, key)
		g.mu.Unlock()
	}
	return bind, release, nil
}

// open records the connect and creates the session for t.
func (g *Gateway) open(ctx context.Context, a *admission, t session.Transport) (*session.Session, error) {
	if a.browserID != "" {
		// Connecting marks the browser active, which may move the route.
		if err := g.recorder.RecordConnect(ctx, a.browserID); err != nil {
			return nil, err
		}
	}
	return g.sessions.Create(ctx, a.userID, t, session.WithBrowserID(a.browserID))
}

// rpcRequest is the part of a JSON-RPC message the gateway inspects.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
}

func parseRequest(raw []byte) (rpcRequest, error) {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, apperr.Validation(apperr.CodeValidation, "invalid JSON-RPC message").Wrap(err)
	}
	if req.JSONRPC != "2.0" {
		return req, apperr.Validation(apperr.CodeValidation, `jsonrpc must be "2.0"`)
	}
	if req.Method == "" {
		return req, apperr.Validation(apperr.CodeMissingParameter, "method is required")
	}
	return req, nil
}

type rpcError struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   rpcErrorBody    `json:"error"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSON-RPC error codes.
const (
	rpcParseError    = -32700
	rpcInvalidReq    = -32600
	rpcInternalError = -32603
)

func errorResponse(id json.RawMessage, code int, err error) []byte {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	body := rpcErrorBody{Code: code, Message: err.Error()}
	if ae, ok := apperr.As(err); ok {
		body.Message = ae.Message
		body.Data = map[string]any{"code": ae.Code}
	}
	out, _ := json.Marshal(rpcError{JSONRPC: "2.0", ID: id, Error: body})
	return out
}

// dispatch runs one JSON-RPC message through the MCP server under the
// session's exec lock. It returns nil for notifications.
func (g *Gateway) dispatch(ctx context.Context, s *session.Session, req rpcRequest, raw []byte) []byte {
	var out any
	err := s.Exec(ctx, func(ctx context.Context) error {
		resp := g.mcp.HandleMessage(withSession(ctx, s), raw)
		if resp != nil {
			out = resp
		}
		return nil
	})
	if err != nil {
		if len(req.ID) == 0 {
			return nil
		}
		return errorResponse(req.ID, rpcInternalError, err)
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return errorResponse(req.ID, rpcInternalError, err)
	}
	return data
}

// sender is a transport that can push a message to its client.
type sender interface {
	Send(data []byte) error
}

// deliver dispatches raw in the background and pushes the reply to the
// session's transport.
func (g *Gateway) deliver(s *session.Session, req rpcRequest, raw []byte) {
	tr, ok := s.Transport().(sender)
	if !ok {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-s.Closed():
				cancel()
			case <-ctx.Done():
			}
		}()
		out := g.dispatch(ctx, s, req, raw)
		if out == nil {
			return
		}
		if err := tr.Send(out); err != nil && !errors.Is(err, errTransportClosed) {
			g.logger.Warn("push response failed", "session_id", s.ID(), "error", err)
		}
	}()
}

var errTransportClosed = errors.New("transport closed")

func writeError(w http.ResponseWriter, err error) {
	ae := apperr.From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status)
	_ = json.NewEncoder(w).Encode(ae.ToBody())
}
