package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/pool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/session"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/tui"
)

const maxTableRows = 10

type sessionsModel struct {
	items  []session.Info
	cursor int
}

func newSessions() sessionsModel {
	return sessionsModel{}
}

func (s *sessionsModel) update(items []session.Info) {
	s.items = items
	if s.cursor >= len(s.items) {
		s.cursor = max(0, len(s.items)-1)
	}
}

func (s sessionsModel) selected() (string, bool) {
	if s.cursor < 0 || s.cursor >= len(s.items) {
		return "", false
	}
	return s.items[s.cursor].SessionID, true
}

func (s sessionsModel) Update(msg tea.Msg) (sessionsModel, tea.Cmd) {
	s.cursor = moveCursor(msg, s.cursor, len(s.items))
	return s, nil
}

func (s sessionsModel) View() string {
	if len(s.items) == 0 {
		return tui.Dimmed.Render("  No active sessions")
	}

	headerStyle := lipgloss.NewStyle().Foreground(tui.ColorSubtle).Bold(true)
	var b strings.Builder
	b.WriteString("  " + headerStyle.Render(fmt.Sprintf("%-10s %-16s %-6s %-14s %-8s %s",
		"ID", "USER", "VIA", "BROWSER", "AGE", "IDLE")) + "\n")

	start := max(0, s.cursor-maxTableRows+1)
	end := min(len(s.items), start+maxTableRows)
	for i := start; i < end; i++ {
		sess := s.items[i]
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == s.cursor {
			cursor = tui.Selected.Render("> ")
			style = style.Bold(true)
		}
		status := string(sess.ConnectionStatus)
		if status == "" {
			status = "-"
		}
		row := style.Render(fmt.Sprintf("%-10s %-16s %-6s ",
			shortID(sess.SessionID), truncate(sess.UserID, 16), sess.Transport)) +
			tui.StatusStyle(string(sess.ConnectionStatus)).Render(fmt.Sprintf("%-14s", status)) +
			style.Render(fmt.Sprintf(" %-8s %s", formatAge(sess.CreatedAt), formatAge(sess.LastActivity)))
		b.WriteString(cursor + row + "\n")
	}
	return b.String()
}

func (s sessionsModel) height() int {
	return min(len(s.items), maxTableRows) + 1
}

type connectionsModel struct {
	items  []pool.Snapshot
	cursor int
}

func newConnections() connectionsModel {
	return connectionsModel{}
}

func (c *connectionsModel) update(items []pool.Snapshot) {
	c.items = items
	if c.cursor >= len(c.items) {
		c.cursor = max(0, len(c.items)-1)
	}
}

func (c connectionsModel) Update(msg tea.Msg) (connectionsModel, tea.Cmd) {
	c.cursor = moveCursor(msg, c.cursor, len(c.items))
	return c, nil
}

func (c connectionsModel) View() string {
	if len(c.items) == 0 {
		return tui.Dimmed.Render("  No pooled browser connections")
	}

	headerStyle := lipgloss.NewStyle().Foreground(tui.ColorSubtle).Bold(true)
	var b strings.Builder
	b.WriteString("  " + headerStyle.Render(fmt.Sprintf("  %-16s %-30s %-13s %-5s %-5s %s",
		"USER", "URL", "STATUS", "REFS", "RETRY", "CHECKED")) + "\n")

	start := max(0, c.cursor-maxTableRows+1)
	end := min(len(c.items), start+maxTableRows)
	for i := start; i < end; i++ {
		conn := c.items[i]
		cursor := "  "
		if i == c.cursor {
			cursor = tui.Selected.Render("> ")
		}
		status := string(conn.Status)
		row := tui.StatusDot(status) + " " +
			fmt.Sprintf("%-16s %-30s ", truncate(conn.UserID, 16), truncate(conn.BrowserURL, 30)) +
			tui.StatusStyle(status).Render(fmt.Sprintf("%-13s", status)) +
			fmt.Sprintf(" %-5d %-5d %s", conn.Refs, conn.ReconnectAttempts, formatAge(conn.LastHealthCheck))
		b.WriteString(cursor + row + "\n")
	}
	return b.String()
}

func (c connectionsModel) height() int {
	return min(len(c.items), maxTableRows) + 1
}

func moveCursor(msg tea.Msg, cursor, n int) int {
	km, ok := msg.(tea.KeyMsg)
	if !ok {
		return cursor
	}
	switch {
	case key.Matches(km, keys.Down):
		if cursor < n-1 {
			cursor++
		}
	case key.Matches(km, keys.Up):
		if cursor > 0 {
			cursor--
		}
	case key.Matches(km, keys.Bottom):
		cursor = max(0, n-1)
	case key.Matches(km, keys.Top):
		cursor = 0
	}
	return cursor
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return formatDuration(time.Since(t))
}
