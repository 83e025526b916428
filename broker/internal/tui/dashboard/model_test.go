package dashboard

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/adminclient"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/pool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/session"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func sized(t *testing.T, m Model) Model {
	t.Helper()
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 140, Height: 50})
	return m
}

func TestViewShowsPolledState(t *testing.T) {
	m := sized(t, NewModel("http://localhost:32122", nil))

	h := &adminclient.Health{Status: "ok", Version: "1.4.0", RoutedUsers: 2, Uptime: 125}
	h.Sessions.Active = 1
	h.Sessions.MaxSessions = 100
	h.Browsers.Total = 1
	h.Browsers.Connected = 1
	m, _ = update(t, m, HealthMsg{Health: h})
	m, _ = update(t, m, SessionsMsg{Sessions: []session.Info{{
		SessionID: "0123456789abcdef", UserID: "alice", Transport: "sse",
		CreatedAt: time.Now().Add(-time.Minute), ConnectionStatus: pool.StatusConnected,
	}}})
	m, _ = update(t, m, ConnectionsMsg{Connections: []pool.Snapshot{{
		UserID: "alice", BrowserURL: "http://localhost:9222", Status: pool.StatusConnected, Refs: 1,
	}}})

	view := m.View()
	for _, want := range []string{"DevTools Broker", "1.4.0", "Sessions: 1/100", "01234567", "alice", "http://localhost:9222", "2m"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestPollErrorMarksUnreachable(t *testing.T) {
	m := sized(t, NewModel("http://localhost:32122", nil))
	m, _ = update(t, m, ErrMsg{Err: errors.New("connection refused")})
	view := m.View()
	if !strings.Contains(view, "unreachable") || !strings.Contains(view, "connection refused") {
		t.Errorf("view does not show the failure:\n%s", view)
	}
}

func TestEventsRendered(t *testing.T) {
	m := sized(t, NewModel("addr", nil))
	rec, _ := json.Marshal(events.LogRecord{Level: "WARN", Message: "browser unhealthy", Component: "pool"})
	m, _ = update(t, m, EventMsg{Event: events.Event{Type: events.LogEntry, Timestamp: time.Now(), Data: rec}})
	m, _ = update(t, m, EventMsg{Event: events.Event{
		Type: events.SessionCreated, Timestamp: time.Now(),
		Data: json.RawMessage(`{"sessionId":"s-1","userId":"bob"}`),
	}})

	view := m.View()
	for _, want := range []string{"browser unhealthy", "[pool]", "session.created", "userId=bob"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestEvictSelectedSession(t *testing.T) {
	var evicted string
	m := sized(t, NewModel("addr", func(id string) error {
		evicted = id
		return nil
	}))
	m, _ = update(t, m, SessionsMsg{Sessions: []session.Info{
		{SessionID: "first-session", UserID: "alice"},
		{SessionID: "second-session", UserID: "bob"},
	}})

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	if cmd == nil {
		t.Fatal("x produced no command")
	}
	m, _ = update(t, m, cmd())
	if evicted != "second-session" {
		t.Errorf("evicted %q, want second-session", evicted)
	}
	if !strings.Contains(m.View(), "evicted session second-") {
		t.Error("eviction note missing from events panel")
	}
}

func TestTabCyclesPanels(t *testing.T) {
	m := NewModel("addr", nil)
	for _, want := range []Panel{PanelConnections, PanelEvents, PanelSessions} {
		m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
		if m.activePanel != want {
			t.Fatalf("active panel = %d, want %d", m.activePanel, want)
		}
	}
}

func TestQuit(t *testing.T) {
	m, cmd := update(t, NewModel("addr", nil), tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !m.Quitting() || cmd == nil {
		t.Error("q did not quit")
	}
}
