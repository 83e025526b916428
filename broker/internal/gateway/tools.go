package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/pool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/session"
)

type sessionKey struct{}

func withSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session a tool call runs in.
func SessionFrom(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*session.Session)
	return s, ok
}

// toolEnv is what a tool body gets to work with.
type toolEnv struct {
	session    *session.Session
	handle     pool.Handle
	browserURL string
	status     pool.Status
}

type tool struct {
	name        string
	description string
	schema      map[string]any
	run         func(ctx context.Context, env toolEnv, args map[string]any) (any, error)
}

func (g *Gateway) registerTools() {
	for _, t := range []tool{
		{
			name:        "browser_info",
			description: "Describe the connected browser: product, protocol version and user agent.",
			schema:      objectSchema(nil, nil),
			run:         browserInfo,
		},
		{
			name:        "list_pages",
			description: "List the browser's debuggable targets. Only pages are returned unless includeAll is set.",
			schema: objectSchema(map[string]any{
				"includeAll": map[string]any{"type": "boolean", "description": "Include service workers, extension backgrounds and other targets"},
			}, nil),
			run: listPages,
		},
		{
			name:        "navigate_page",
			description: "Navigate a page to a URL. Defaults to the first page when targetId is omitted.",
			schema: objectSchema(map[string]any{
				"url":      map[string]any{"type": "string", "description": "Destination URL"},
				"targetId": map[string]any{"type": "string", "description": "Target to navigate"},
			}, []string{"url"}),
			run: navigatePage,
		},
	} {
		g.registerTool(t)
	}
}

func objectSchema(props map[string]any, required []string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (g *Gateway) registerTool(t tool) {
	schema, err := json.Marshal(t.schema)
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	g.mcp.AddTool(mcp.NewToolWithRawSchema(t.name, t.description, schema), g.wrapTool(t))
}

// wrapTool resolves the session's connection, bounds the call and records
// its outcome. Serialization already happened in dispatch.
func (g *Gateway) wrapTool(t tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, ok := SessionFrom(ctx)
		if !ok {
			return toolFailure(t.name, apperr.NotFound(apperr.CodeSessionNotFound, "no session bound to this call")), nil
		}
		args := request.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		ctx, cancel := context.WithTimeout(ctx, g.opts.ToolTimeout)
		defer cancel()

		start := time.Now()
		result, err := g.runTool(ctx, s, t, args)
		elapsed := time.Since(start)

		g.bus.PublishType(events.ToolCalled, events.ToolEvent{
			SessionID: s.ID(),
			UserID:    s.UserID(),
			Tool:      t.name,
			Error:     err != nil,
			Millis:    elapsed.Milliseconds(),
		})
		if err != nil {
			g.logger.Warn("tool call failed", "tool", t.name, "session_id", s.ID(), "user_id", s.UserID(), "error", err)
			return toolFailure(t.name, err), nil
		}

		if id := s.BrowserID(); id != "" {
			if _, err := g.recorder.RecordToolCall(context.WithoutCancel(ctx), id); err != nil {
				g.logger.Warn("record tool call", "browser_id", id, "error", err)
			}
		}
		g.logger.Debug("tool call", "tool", t.name, "session_id", s.ID(), "duration", elapsed)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(marshalToolPayload(t.name, result)))},
		}, nil
	}
}

func (g *Gateway) runTool(ctx context.Context, s *session.Session, t tool, args map[string]any) (any, error) {
	conn, err := s.Connection(ctx)
	if err != nil {
		return nil, err
	}
	h, err := conn.Handle()
	if err != nil {
		return nil, err
	}
	return t.run(ctx, toolEnv{session: s, handle: h, browserURL: conn.BrowserURL(), status: conn.Status()}, args)
}

func toolFailure(name string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("tool %s failed: %v", name, err)
	if ae, ok := apperr.As(err); ok {
		msg = fmt.Sprintf("tool %s failed: %s (%s)", name, ae.Message, ae.Code)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(msg)},
		IsError: true,
	}
}

func marshalToolPayload(toolName string, result any) []byte {
	payload, err := json.Marshal(result)
	if err == nil {
		return payload
	}
	payload, err = json.Marshal(map[string]any{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, err),
	})
	if err == nil {
		return payload
	}
	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}

func browserInfo(ctx context.Context, env toolEnv, _ map[string]any) (any, error) {
	v, err := env.handle.Version(ctx)
	if err != nil {
		return nil, apperr.Connection(apperr.CodeBrowserNotAccessible, "read browser version").Wrap(err)
	}
	return map[string]any{
		"sessionId":        env.session.ID(),
		"userId":           env.session.UserID(),
		"browserURL":       env.browserURL,
		"connectionStatus": env.status,
		"version":          v,
	}, nil
}

func listPages(ctx context.Context, env toolEnv, args map[string]any) (any, error) {
	all, _ := args["includeAll"].(bool)
	targets, err := env.handle.Targets(ctx)
	if err != nil {
		return nil, apperr.Connection(apperr.CodeBrowserNotAccessible, "list targets").Wrap(err)
	}
	out := make([]pool.Target, 0, len(targets))
	for _, t := range targets {
		if all || t.Type == "page" {
			out = append(out, t)
		}
	}
	return map[string]any{"count": len(out), "pages": out}, nil
}

func navigatePage(ctx context.Context, env toolEnv, args map[string]any) (any, error) {
	raw, _ := args["url"].(string)
	if raw == "" {
		return nil, apperr.Validation(apperr.CodeMissingParameter, "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return nil, apperr.Validation(apperr.CodeInvalidParameter, "invalid url %q", raw)
	}

	targetID, _ := args["targetId"].(string)
	if targetID == "" {
		targets, err := env.handle.Targets(ctx)
		if err != nil {
			return nil, apperr.Connection(apperr.CodeBrowserNotAccessible, "list targets").Wrap(err)
		}
		for _, t := range targets {
			if t.Type == "page" {
				targetID = t.ID
				break
			}
		}
		if targetID == "" {
			return nil, apperr.NotFound(apperr.CodeBrowserNotFound, "browser has no open page")
		}
	}

	if err := env.handle.Navigate(ctx, targetID, u.String()); err != nil {
		if _, ok := apperr.As(err); ok {
			return nil, err
		}
		return nil, apperr.Connection(apperr.CodeBrowserNotAccessible, "navigate %s", targetID).Wrap(err)
	}
	return map[string]any{"success": true, "targetId": targetID, "url": u.String()}, nil
}
