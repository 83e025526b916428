package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsPingInterval is how often the gateway pings WebSocket clients.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the client.
	wsPongWait = 60 * time.Second
	wsWriteWait = 10 * time.Second
)

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// wsTransport is one WebSocket client. The session is created before the
// upgrade, so conn is attached afterwards.
type wsTransport struct {
	mu     sync.Mutex // guards writes to conn
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
}

func newWSTransport() *wsTransport {
	return &wsTransport{done: make(chan struct{})}
}

func (t *wsTransport) Kind() string          { return "ws" }
func (t *wsTransport) Done() <-chan struct{} { return t.done }

func (t *wsTransport) attach(conn *websocket.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = conn.Close()
		return false
	}
	t.conn = conn
	return true
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	if t.conn != nil {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(time.Second))
		return t.conn.Close()
	}
	return nil
}

// Send writes one JSON-RPC message as a text frame.
func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.conn == nil {
		return errTransportClosed
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// startKeepalive sets the read deadline, installs a pong handler and pings
// periodically. The returned func stops the pinger.
func (t *wsTransport) startKeepalive() (cancel func()) {
	conn := t.conn
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
				t.mu.Unlock()
				if err != nil {
					return
				}
			case <-stop:
				return
			case <-t.done:
				return
			}
		}
	}()
	return func() { close(stop) }
}

// HandleWS serves GET /ws. Authorization and session creation happen
// before the upgrade so failures are plain HTTP errors.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	a, err := g.admit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	bind, release, err := g.claim(a)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	tr := newWSTransport()
	s, err := g.open(r.Context(), a, tr)
	if err != nil {
		writeError(w, err)
		return
	}
	bind(s.ID())
	defer g.sessions.Close(s.ID())

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "session_id", s.ID(), "error", err)
		return
	}
	if !tr.attach(conn) {
		return
	}
	conn.SetReadLimit(g.opts.MaxMessageBytes)
	stop := tr.startKeepalive()
	defer stop()

	g.logger.Info("ws client connected", "session_id", s.ID(), "user_id", a.userID, "remote_addr", r.RemoteAddr)

	for {
		typ, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("ws read error", "session_id", s.ID(), "error", err)
			}
			_ = tr.Close()
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		g.sessions.Touch(s.ID())

		req, err := parseRequest(raw)
		if err != nil {
			code := rpcInvalidReq
			if !json.Valid(raw) {
				code = rpcParseError
			}
			_ = tr.Send(errorResponse(req.ID, code, err))
			continue
		}
		g.deliver(s, req, raw)
	}
}
