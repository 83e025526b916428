package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
)

const eventsKeepalive = 15 * time.Second

// handleAdminEvents streams bus events as server-sent events. ?types=
// takes a comma-separated filter.
func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeAppError(w, r, apperr.Configuration("event bus is not configured"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAppError(w, r, apperr.Configuration("streaming is not supported by this response writer"))
		return
	}

	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}
	ch := s.bus.Subscribe(types...)
	defer s.bus.Unsubscribe(ch)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(eventsKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
