package dashboard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/tui"
)

const maxEventLines = 1000

type eventsModel struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
}

func newEvents() eventsModel {
	return eventsModel{
		viewport:   viewport.New(80, 10),
		autoScroll: true,
	}
}

func (l *eventsModel) SetSize(width, height int) {
	l.viewport.Width = width
	l.viewport.Height = height
}

func (l *eventsModel) add(e events.Event) {
	l.push(formatEvent(e))
}

func (l *eventsModel) note(text string) {
	l.push(fmt.Sprintf("  %s %s", time.Now().Format("15:04:05"), text))
}

func (l *eventsModel) push(line string) {
	l.lines = append(l.lines, line)
	if len(l.lines) > maxEventLines {
		l.lines = l.lines[len(l.lines)-maxEventLines:]
	}
	l.viewport.SetContent(strings.Join(l.lines, "\n"))
	if l.autoScroll {
		l.viewport.GotoBottom()
	}
}

func formatEvent(e events.Event) string {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := ts.Local().Format("15:04:05")

	if e.Type == events.LogEntry {
		var rec events.LogRecord
		if err := e.Decode(&rec); err == nil {
			line := fmt.Sprintf("  %s %s  %s", stamp,
				tui.LogLevelStyle(rec.Level).Render(fmt.Sprintf("%-5s", rec.Level)), rec.Message)
			if rec.Component != "" {
				line += " " + tui.Dimmed.Render("["+rec.Component+"]")
			}
			if attrs := formatAttrs(rec.Attrs); attrs != "" {
				line += "  " + tui.Dimmed.Render(attrs)
			}
			return line
		}
	}

	var fields map[string]any
	detail := string(e.Data)
	if json.Unmarshal(e.Data, &fields) == nil {
		detail = formatAttrs(fields)
	}
	return fmt.Sprintf("  %s %s  %s", stamp, eventStyle(e.Type).Render(fmt.Sprintf("%-22s", e.Type)), tui.Dimmed.Render(detail))
}

func formatAttrs(attrs map[string]any) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, attrs[k]))
	}
	return strings.Join(parts, " ")
}

func eventStyle(eventType string) lipgloss.Style {
	switch eventType {
	case events.ConnectionFailed, events.ConnectionEvicted, events.SessionRejected:
		return tui.ErrorStyle
	case events.ConnectionReconnecting:
		return tui.WarningStyle
	case events.ConnectionConnected, events.ConnectionRestored, events.SessionCreated, events.UserRegistered:
		return tui.Success
	default:
		return tui.Subtitle
	}
}

func (l eventsModel) Update(msg tea.Msg) (eventsModel, tea.Cmd) {
	if km, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(km, keys.Bottom):
			l.autoScroll = true
			l.viewport.GotoBottom()
			return l, nil
		case key.Matches(km, keys.Top):
			l.autoScroll = false
			l.viewport.GotoTop()
			return l, nil
		case key.Matches(km, keys.Down, keys.Up):
			l.autoScroll = false
		}
	}

	var cmd tea.Cmd
	l.viewport, cmd = l.viewport.Update(msg)
	return l, cmd
}

func (l eventsModel) View() string {
	return l.viewport.View()
}
