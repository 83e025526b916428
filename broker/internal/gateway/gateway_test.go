package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/pool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/router"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/session"
)

type fakeHandle struct {
	mu        sync.Mutex
	navigated []string
}

func (h *fakeHandle) Version(context.Context) (pool.BrowserVersion, error) {
	return pool.BrowserVersion{Product: "Chrome/131.0.6778.85", ProtocolVersion: "1.3"}, nil
}

func (h *fakeHandle) Targets(context.Context) ([]pool.Target, error) {
	return []pool.Target{
		{ID: "sw-1", Type: "service_worker", URL: "chrome-extension://abc/bg.js"},
		{ID: "page-1", Type: "page", Title: "Example", URL: "https://example.com/"},
	}, nil
}

func (h *fakeHandle) Navigate(_ context.Context, targetID, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.navigated = append(h.navigated, targetID+" "+url)
	return nil
}

func (h *fakeHandle) Close() error { return nil }

type fakeDialer struct{ handle *fakeHandle }

func (d fakeDialer) Dial(context.Context, string) (pool.Handle, error) { return d.handle, nil }

// tokenAuth maps tokens to identities; an empty token is anonymous.
type tokenAuth map[string]*auth.Identity

func (a tokenAuth) Authorize(_ context.Context, _, token string) (*auth.Identity, error) {
	if token == "" {
		return &auth.Identity{UserID: auth.MethodAnonymous, Permissions: []string{auth.PermAll}, Method: auth.MethodAnonymous}, nil
	}
	id, ok := a[token]
	if !ok {
		return nil, apperr.Unauthorized(apperr.CodeUnauthorized, "invalid token")
	}
	return id, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	connects map[string]int
	calls    map[string]int
}

func (r *fakeRecorder) RecordConnect(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects[id]++
	return nil
}

func (r *fakeRecorder) RecordToolCall(_ context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id]++
	return int64(r.calls[id]), nil
}

func (r *fakeRecorder) toolCalls(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

type fixture struct {
	gw       *Gateway
	sessions *session.Manager
	recorder *fakeRecorder
	handle   *fakeHandle
	bus      *events.Bus
	srv      *httptest.Server
}

func newFixture(t *testing.T, maxSessions int) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus()

	rt := router.New(logger)
	_, err := rt.RegisterMapping(router.Mapping{UserID: "alice", BrowserURL: "http://alice-host:9222", BrowserID: "b-alice"})
	require.NoError(t, err)
	_, err = rt.RegisterMapping(router.Mapping{UserID: "bob", BrowserURL: "http://bob-host:9222", BrowserID: "b-bob"})
	require.NoError(t, err)

	h := &fakeHandle{}
	p := pool.New(rt, fakeDialer{handle: h}, bus, logger, pool.Options{})
	mgr := session.NewManager(p, bus, logger, session.Options{MaxSessions: maxSessions})
	p.OnEvict(mgr.HandleEviction)

	rec := &fakeRecorder{connects: map[string]int{}, calls: map[string]int{}}
	authz := tokenAuth{
		"mcp_alice": {UserID: "alice", BrowserID: "b-alice", Permissions: []string{auth.PermAll}, Method: auth.MethodBrowserToken},
		"jwt_bob":   {UserID: "bob", Permissions: []string{"tools"}, Method: auth.MethodJWT},
	}
	gw := New(authz, rt, rec, mgr, bus, logger, Options{KeepaliveInterval: 50 * time.Millisecond, ToolTimeout: 2 * time.Second})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", gw.HandleSSE)
	mux.HandleFunc("POST /message", gw.HandleMessage)
	mux.HandleFunc("GET /ws", gw.HandleWS)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.CloseClientConnections()
		mgr.CloseAll()
		srv.Close()
		gw.Wait()
		p.Close()
		bus.Close()
	})
	return &fixture{gw: gw, sessions: mgr, recorder: rec, handle: h, bus: bus, srv: srv}
}

type sseEvent struct {
	name string
	data string
}

// openSSE connects and returns the event channel plus a cancel func that
// drops the client.
func (f *fixture) openSSE(t *testing.T, query, bearer string) (*http.Response, <-chan sseEvent, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/sse?"+query, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusOK {
		return resp, nil, cancel
	}

	ch := make(chan sseEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			case line == "" && ev.name != "":
				ch <- ev
				ev = sseEvent{}
			}
		}
	}()
	return resp, ch, cancel
}

func next(t *testing.T, ch <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

func (f *fixture) post(t *testing.T, endpoint, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+endpoint, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func decodeError(t *testing.T, resp *http.Response) apperr.Body {
	t.Helper()
	defer resp.Body.Close()
	var body apperr.Body
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

const initialize = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`

func TestSSERoundTrip(t *testing.T) {
	f := newFixture(t, 0)
	_, stream, cancel := f.openSSE(t, "userId=alice", "")
	defer cancel()

	ev := next(t, stream)
	require.Equal(t, "endpoint", ev.name)
	require.True(t, strings.HasPrefix(ev.data, "/message?sessionId="))
	endpoint := ev.data

	resp := f.post(t, endpoint, initialize)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	ev = next(t, stream)
	assert.Equal(t, "message", ev.name)
	assert.Contains(t, ev.data, `"serverInfo"`)
	assert.Contains(t, ev.data, `"devtools-broker"`)

	resp = f.post(t, endpoint, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	ev = next(t, stream)
	for _, name := range []string{"browser_info", "list_pages", "navigate_page"} {
		assert.Contains(t, ev.data, name)
	}

	resp = f.post(t, endpoint, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"browser_info","arguments":{}}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	ev = next(t, stream)
	assert.Contains(t, ev.data, "Chrome/131")
	assert.NotContains(t, ev.data, `"isError":true`)
	assert.Equal(t, 1, f.recorder.toolCalls("b-alice"))
}

func TestSSEConnectRecordsBrowser(t *testing.T) {
	f := newFixture(t, 0)
	_, stream, cancel := f.openSSE(t, "userId=alice", "")
	defer cancel()
	next(t, stream)

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	assert.Equal(t, 1, f.recorder.connects["b-alice"])
}

func TestMessageValidation(t *testing.T) {
	f := newFixture(t, 0)
	_, stream, cancel := f.openSSE(t, "userId=alice", "")
	defer cancel()
	endpoint := next(t, stream).data

	tests := []struct {
		name     string
		endpoint string
		body     string
		status   int
	}{
		{"not json", endpoint, `{nope`, http.StatusBadRequest},
		{"wrong version", endpoint, `{"jsonrpc":"1.0","id":1,"method":"ping"}`, http.StatusBadRequest},
		{"no method", endpoint, `{"jsonrpc":"2.0","id":1}`, http.StatusBadRequest},
		{"unknown session", "/message?sessionId=nope", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, http.StatusNotFound},
		{"missing session", "/message", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, http.StatusBadRequest},
		{"ping", endpoint, `{"jsonrpc":"2.0","id":9,"method":"ping"}`, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, tt.endpoint, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestSSEAdmission(t *testing.T) {
	f := newFixture(t, 0)

	t.Run("unregistered user", func(t *testing.T) {
		resp, _, cancel := f.openSSE(t, "userId=carol", "")
		defer cancel()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, apperr.CodeUserNotRegistered, decodeError(t, resp).Code)
	})

	t.Run("missing user", func(t *testing.T) {
		resp, _, cancel := f.openSSE(t, "", "")
		defer cancel()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad token", func(t *testing.T) {
		resp, _, cancel := f.openSSE(t, "userId=alice", "garbage")
		defer cancel()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("browser token for another user", func(t *testing.T) {
		resp, _, cancel := f.openSSE(t, "userId=bob", "mcp_alice")
		defer cancel()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("jwt without wildcard for another user", func(t *testing.T) {
		resp, _, cancel := f.openSSE(t, "userId=alice", "jwt_bob")
		defer cancel()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("token query parameter implies user", func(t *testing.T) {
		resp, stream, cancel := f.openSSE(t, "token=jwt_bob", "")
		defer cancel()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		next(t, stream)
		assert.Equal(t, 1, f.sessions.Stats().ByUser["bob"])
	})
}

func TestConcurrentBrowserTokenConnect(t *testing.T) {
	f := newFixture(t, 0)

	resp, stream, cancel := f.openSSE(t, "", "mcp_alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	next(t, stream)

	second, _, cancel2 := f.openSSE(t, "", "mcp_alice")
	defer cancel2()
	assert.Equal(t, http.StatusConflict, second.StatusCode)
	assert.Equal(t, apperr.CodeConcurrentConnection, decodeError(t, second).Code)

	// Once the first client leaves, the token may connect again.
	cancel()
	require.Eventually(t, func() bool { return f.sessions.Count() == 0 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		f.gw.mu.Lock()
		defer f.gw.mu.Unlock()
		return len(f.gw.holders) == 0
	}, 3*time.Second, 10*time.Millisecond)

	third, stream3, cancel3 := f.openSSE(t, "", "mcp_alice")
	defer cancel3()
	require.Equal(t, http.StatusOK, third.StatusCode)
	next(t, stream3)
}

func TestClientDropClosesSession(t *testing.T) {
	f := newFixture(t, 0)
	_, stream, cancel := f.openSSE(t, "userId=alice", "")
	next(t, stream)
	require.Equal(t, 1, f.sessions.Count())

	cancel()
	require.Eventually(t, func() bool { return f.sessions.Count() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestServerCloseEndsStream(t *testing.T) {
	f := newFixture(t, 0)
	_, stream, cancel := f.openSSE(t, "userId=alice", "")
	defer cancel()
	ev := next(t, stream)
	id := strings.TrimPrefix(ev.data, "/message?sessionId=")

	require.True(t, f.sessions.Close(id))
	select {
	case _, ok := <-stream:
		for ok {
			_, ok = <-stream
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream stayed open after session close")
	}
}

type blockingDisposer struct{ release chan struct{} }

func (d blockingDisposer) Dispose() { <-d.release }

func TestStreamEndStopsTransportWrites(t *testing.T) {
	f := newFixture(t, 0)
	_, stream, cancel := f.openSSE(t, "userId=alice", "")
	defer cancel()
	ev := next(t, stream)
	id := strings.TrimPrefix(ev.data, "/message?sessionId=")

	s, ok := f.sessions.Get(id)
	require.True(t, ok)
	// Holds session shutdown in resource disposal, after Closed() fires.
	slow := blockingDisposer{release: make(chan struct{})}
	defer close(slow.release)
	s.Attach("slow", slow)

	go f.sessions.Close(id)
	select {
	case _, ok := <-stream:
		for ok {
			_, ok = <-stream
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream stayed open after session close")
	}

	err := s.Transport().(*sseTransport).Send([]byte(`{}`))
	assert.ErrorIs(t, err, errTransportClosed)
}

func TestMaxSessionsRejects(t *testing.T) {
	f := newFixture(t, 1)
	_, stream, cancel := f.openSSE(t, "userId=alice", "")
	defer cancel()
	next(t, stream)

	resp, _, cancel2 := f.openSSE(t, "userId=bob", "")
	defer cancel2()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, apperr.CodeMaxSessions, decodeError(t, resp).Code)
}

func dialWS(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestWebSocketTools(t *testing.T) {
	f := newFixture(t, 0)
	conn := dialWS(t, f, "userId=alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(initialize)))
	msg := readJSON(t, conn)
	assert.EqualValues(t, 1, msg["id"])
	assert.Contains(t, msg, "result")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"list_pages","arguments":{}}}`)))
	msg = readJSON(t, conn)
	raw, _ := json.Marshal(msg["result"])
	assert.Contains(t, string(raw), "page-1")
	assert.NotContains(t, string(raw), "sw-1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"navigate_page","arguments":{"url":"https://example.org/"}}}`)))
	readJSON(t, conn)
	f.handle.mu.Lock()
	assert.Equal(t, []string{"page-1 https://example.org/"}, f.handle.navigated)
	f.handle.mu.Unlock()
	assert.Equal(t, 2, f.recorder.toolCalls("b-alice"))
}

func TestWebSocketToolError(t *testing.T) {
	f := newFixture(t, 0)
	conn := dialWS(t, f, "userId=alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"navigate_page","arguments":{}}}`)))
	msg := readJSON(t, conn)
	result, ok := msg["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["isError"])
	assert.Equal(t, 0, f.recorder.toolCalls("b-alice"))
}

func TestWebSocketParseError(t *testing.T) {
	f := newFixture(t, 0)
	conn := dialWS(t, f, "userId=alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{broken`)))
	msg := readJSON(t, conn)
	errObj, ok := msg["error"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, rpcParseError, errObj["code"])
	assert.Nil(t, msg["id"])
}

func TestWebSocketCloseEndsSession(t *testing.T) {
	f := newFixture(t, 0)
	conn := dialWS(t, f, "userId=alice")
	require.Eventually(t, func() bool { return f.sessions.Count() == 1 }, 3*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return f.sessions.Count() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestToolCallPublishesEvent(t *testing.T) {
	f := newFixture(t, 0)
	sub := f.bus.Subscribe(events.ToolCalled)
	conn := dialWS(t, f, "userId=alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"browser_info","arguments":{}}}`)))
	readJSON(t, conn)

	select {
	case e := <-sub:
		var ev events.ToolEvent
		require.NoError(t, e.Decode(&ev))
		assert.Equal(t, "browser_info", ev.Tool)
		assert.Equal(t, "alice", ev.UserID)
		assert.False(t, ev.Error)
	case <-time.After(3 * time.Second):
		t.Fatal("no tool.called event")
	}
}
