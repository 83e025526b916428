package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
)

func TestObserveEvents(t *testing.T) {
	m := New(Gauges{}, nil)

	pub := func(typ string, data any) {
		bus := events.NewBus()
		ch := bus.Subscribe()
		bus.PublishType(typ, data)
		m.Observe(<-ch)
		bus.Close()
	}
	pub(events.SessionCreated, events.SessionEvent{SessionID: "s1"})
	pub(events.SessionClosed, events.SessionEvent{SessionID: "s1", Reason: "timeout"})
	pub(events.SessionRejected, events.SessionEvent{})
	pub(events.ConnectionFailed, events.ConnectionEvent{BrowserURL: "http://a:9222"})
	pub(events.ToolCalled, events.ToolEvent{Tool: "navigate_page", Millis: 120})
	pub(events.ToolCalled, events.ToolEvent{Tool: "navigate_page", Error: true})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"created", testutil.ToFloat64(m.SessionsCreated), 1},
		{"closed timeout", testutil.ToFloat64(m.SessionsClosed.WithLabelValues("timeout")), 1},
		{"rejected", testutil.ToFloat64(m.SessionsRejected), 1},
		{"failed", testutil.ToFloat64(m.ConnectionEvents.WithLabelValues(events.ConnectionFailed)), 1},
		{"tool ok", testutil.ToFloat64(m.ToolCalls.WithLabelValues("navigate_page", "ok")), 1},
		{"tool error", testutil.ToFloat64(m.ToolCalls.WithLabelValues("navigate_page", "error")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestConsumeStopsWithBus(t *testing.T) {
	m := New(Gauges{}, nil)
	bus := events.NewBus()
	done := make(chan struct{})
	go func() {
		m.Consume(context.Background(), bus)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for bus.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	bus.PublishType(events.UserRegistered, events.UserEvent{UserID: "alice"})
	bus.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after bus close")
	}
	if got := testutil.ToFloat64(m.Registrations.WithLabelValues(events.UserRegistered)); got != 1 {
		t.Errorf("registrations = %v, want 1", got)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New(Gauges{Sessions: func() int { return 3 }}, events.NewBus())

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/v2/users/{userID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v2/users/"+id, nil))
	}
	got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/api/v2/users/{userID}", "404"))
	if got != 2 {
		t.Errorf("requests by pattern = %v, want 2", got)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"devtools_broker_sessions_active 3", "devtools_broker_http_requests_total", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
