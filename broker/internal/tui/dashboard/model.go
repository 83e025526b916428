// Package dashboard is the live broker dashboard behind `devtools-broker top`.
package dashboard

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/adminclient"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/pool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/session"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/tui"
)

// Panel identifies which dashboard panel is focused.
type Panel int

const (
	PanelSessions Panel = iota
	PanelConnections
	PanelEvents
	panelCount
)

// EvictFunc closes a session on the broker.
type EvictFunc func(sessionID string) error

// Model is the root dashboard TUI model.
type Model struct {
	header      headerModel
	sessions    sessionsModel
	connections connectionsModel
	events      eventsModel
	help        helpModel
	evict       EvictFunc

	activePanel Panel
	width       int
	height      int
	quitting    bool
}

// NewModel creates a dashboard for the broker at addr. evict may be nil.
func NewModel(addr string, evict EvictFunc) Model {
	return Model{
		header:      newHeader(addr),
		sessions:    newSessions(),
		connections: newConnections(),
		events:      newEvents(),
		evict:       evict,
	}
}

// HealthMsg carries a fresh /health body.
type HealthMsg struct {
	Health *adminclient.Health
}

// SessionsMsg carries the live session list.
type SessionsMsg struct {
	Sessions []session.Info
}

// ConnectionsMsg carries the pooled connections.
type ConnectionsMsg struct {
	Connections []pool.Snapshot
}

// EventMsg wraps one event from the admin stream.
type EventMsg struct {
	Event events.Event
}

// ErrMsg reports a failed poll; the header shows the broker as unreachable.
type ErrMsg struct {
	Err error
}

// evictedMsg is the result of an eviction request.
type evictedMsg struct {
	sessionID string
	err       error
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.events.SetSize(msg.Width-4, m.eventsHeight())
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Tab):
			m.activePanel = (m.activePanel + 1) % panelCount
			return m, nil
		case key.Matches(msg, keys.Help):
			m.help.toggle()
			return m, nil
		case key.Matches(msg, keys.Evict):
			if m.activePanel == PanelSessions {
				return m, m.evictSelected()
			}
		}

	case HealthMsg:
		m.header.update(msg.Health)
		return m, nil

	case ErrMsg:
		m.header.fail(msg.Err)
		return m, nil

	case SessionsMsg:
		m.sessions.update(msg.Sessions)
		m.events.SetSize(m.width-4, m.eventsHeight())
		return m, nil

	case ConnectionsMsg:
		m.connections.update(msg.Connections)
		m.events.SetSize(m.width-4, m.eventsHeight())
		return m, nil

	case EventMsg:
		m.events.add(msg.Event)
		return m, nil

	case evictedMsg:
		m.events.note(m.evictNote(msg))
		return m, nil
	}

	var cmd tea.Cmd
	switch m.activePanel {
	case PanelSessions:
		m.sessions, cmd = m.sessions.Update(msg)
	case PanelConnections:
		m.connections, cmd = m.connections.Update(msg)
	case PanelEvents:
		m.events, cmd = m.events.Update(msg)
	}
	return m, cmd
}

func (m Model) evictSelected() tea.Cmd {
	id, ok := m.sessions.selected()
	if !ok || m.evict == nil {
		return nil
	}
	evict := m.evict
	return func() tea.Msg {
		return evictedMsg{sessionID: id, err: evict(id)}
	}
}

func (m Model) evictNote(msg evictedMsg) string {
	if msg.err != nil {
		return tui.ErrorStyle.Render("evict " + shortID(msg.sessionID) + " failed: " + msg.err.Error())
	}
	return tui.WarningStyle.Render("evicted session " + shortID(msg.sessionID))
}

func (m Model) View() string {
	if m.help.visible {
		return m.help.View()
	}

	panel := func(p Panel, title, body string) string {
		return tui.Panel(m.width-2, m.activePanel == p).Render(tui.Subtitle.Render(" "+title) + "\n" + body)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.header.View(m.width),
		panel(PanelSessions, "Sessions", m.sessions.View()),
		panel(PanelConnections, "Browsers", m.connections.View()),
		panel(PanelEvents, "Events", m.events.View()),
		m.help.bar(),
	)
}

// Quitting reports whether the user quit.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) eventsHeight() int {
	used := 6 + m.sessions.height() + 2 + m.connections.height() + 2 + 3
	return max(m.height-used, 5)
}
