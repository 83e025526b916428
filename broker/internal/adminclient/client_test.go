package adminclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHealthAndAdminKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get(AdminKeyHeader) != "k3y" {
			t.Errorf("admin key header = %q", r.Header.Get(AdminKeyHeader))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"version":     "1.2.3",
			"routedUsers": 2,
			"sessions":    map[string]any{"active": 3, "maxSessions": 100},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{AdminKey: "k3y"})
	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Version != "1.2.3" || h.RoutedUsers != 2 || h.Sessions.Active != 3 {
		t.Errorf("health = %+v", h)
	}
}

func TestUnlabelledJSONDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			// No Content-Type: net/http sniffs this as text/plain.
			_, _ = io.WriteString(w, `{"status":"ok","version":"2.0.0","routedUsers":4}`)
		default:
			_, _ = io.WriteString(w, "<html>proxy error</html>")
		}
	}))
	defer srv.Close()

	c := New(srv.URL, Options{})
	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Version != "2.0.0" || h.RoutedUsers != 4 {
		t.Errorf("health = %+v", h)
	}
	if _, err := c.Sessions(context.Background()); err == nil {
		t.Error("non-JSON success body was accepted")
	}
}

func TestErrorBodyDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, apperr.Body{
			Error:      "AUTHENTICATION_ERROR",
			Code:       "INVALID_ADMIN_KEY",
			Message:    "invalid admin key",
			StatusCode: http.StatusUnauthorized,
		})
	}))
	defer srv.Close()

	_, err := New(srv.URL, Options{}).Sessions(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Body.Code != "INVALID_ADMIN_KEY" {
		t.Errorf("api error = %+v", apiErr)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"imported": 4})
	}))
	defer srv.Close()

	n, err := New(srv.URL, Options{}).Import(context.Background(), []byte(`{"mappings":[]}`))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 4 {
		t.Errorf("imported = %d, want 4", n)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestExportReturnsRawDocument(t *testing.T) {
	doc := `{"version":1,"mappings":[{"userId":"alice"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, doc)
	}))
	defer srv.Close()

	got, err := New(srv.URL, Options{}).Export(context.Background())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if string(got) != doc {
		t.Errorf("export = %s", got)
	}
}

func TestEventsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("types"); got != "session.created,session.closed" {
			t.Errorf("types = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, ": keepalive\n\n")
		for i := range 2 {
			e := events.Event{Type: events.SessionCreated, Timestamp: time.Now().UTC(), Data: json.RawMessage(fmt.Sprintf(`{"sessionId":"s-%d"}`, i))}
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := New(srv.URL, Options{}).Events(ctx, events.SessionCreated, events.SessionClosed)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("received %d events, want 2", len(got))
	}
	var payload events.SessionEvent
	if err := got[1].Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.SessionID != "s-1" {
		t.Errorf("second event session = %q", payload.SessionID)
	}
}
