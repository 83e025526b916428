package gateway

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
)

// sseTransport writes server-sent events to one open GET /sse response.
type sseTransport struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex // guards writes to w
	closed bool
	done   chan struct{}
}

func newSSETransport(w http.ResponseWriter, f http.Flusher) *sseTransport {
	return &sseTransport{w: w, flusher: f, done: make(chan struct{})}
}

func (t *sseTransport) Kind() string          { return "sse" }
func (t *sseTransport) Done() <-chan struct{} { return t.done }

// Close stops further writes. The handler goroutine returns once it sees
// the session close.
func (t *sseTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// Send pushes one JSON-RPC message as an "event: message" frame.
func (t *sseTransport) Send(data []byte) error {
	return t.event("message", data)
}

func (t *sseTransport) event(name string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

func (t *sseTransport) comment(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if _, err := io.WriteString(t.w, ": "+text+"\n\n"); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// HandleSSE serves GET /sse. The response stays open for the life of the
// session.
func (g *Gateway) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.Configuration("streaming is not supported by this response writer"))
		return
	}

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

	tr := newSSETransport(w, flusher)
	s, err := g.open(r.Context(), a, tr)
	if err != nil {
		writeError(w, err)
		return
	}
	bind(s.ID())
	defer g.sessions.Close(s.ID())
	// No write may reach w once the handler has returned.
	defer tr.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := tr.event("endpoint", []byte("/message?sessionId="+s.ID())); err != nil {
		return
	}
	g.logger.Info("sse client connected", "session_id", s.ID(), "user_id", a.userID, "remote_addr", r.RemoteAddr)

	ticker := time.NewTicker(g.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.Closed():
			return
		case <-ticker.C:
			if err := tr.comment("keepalive"); err != nil {
				return
			}
		}
	}
}

// HandleMessage serves POST /message. The reply is pushed on the session's
// SSE stream; the POST itself only acknowledges receipt.
func (g *Gateway) HandleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeError(w, apperr.Validation(apperr.CodeMissingParameter, "sessionId is required"))
		return
	}
	s, ok := g.sessions.Get(id)
	if !ok {
		writeError(w, apperr.NotFound(apperr.CodeSessionNotFound, "session %s not found", id).With("sessionId", id))
		return
	}
	g.sessions.Touch(id)

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.opts.MaxMessageBytes))
	if err != nil {
		writeError(w, apperr.Validation(apperr.CodeValidation, "read message body").Wrap(err))
		return
	}
	req, err := parseRequest(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	g.deliver(s, req, raw)
	w.WriteHeader(http.StatusAccepted)
}
