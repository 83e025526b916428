package dashboard

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/adminclient"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/tui"
)

type headerModel struct {
	addr   string
	health *adminclient.Health
	err    error
}

func newHeader(addr string) headerModel {
	return headerModel{addr: addr}
}

func (h *headerModel) update(health *adminclient.Health) {
	h.health = health
	h.err = nil
}

func (h *headerModel) fail(err error) {
	h.err = err
}

func (h headerModel) View(width int) string {
	left := tui.Title.Render("DevTools Broker")

	var state string
	switch {
	case h.err != nil:
		state = tui.StatusDot("failed") + " " + tui.ErrorStyle.Render("unreachable")
	case h.health == nil:
		state = tui.StatusDot("") + " " + tui.Dimmed.Render("connecting")
	default:
		state = tui.StatusDot("connected") + " " + tui.Success.Render(h.health.Status)
	}
	right := fmt.Sprintf("%s  %s", h.addr, state)

	info := "  waiting for /health"
	if h.health != nil {
		hl := h.health
		maxSessions := "∞"
		if hl.Sessions.MaxSessions > 0 {
			maxSessions = fmt.Sprint(hl.Sessions.MaxSessions)
		}
		info = fmt.Sprintf("  Version: %s   Sessions: %d/%s   Browsers: %d/%d   Users: %d   Uptime: %s",
			hl.Version, hl.Sessions.Active, maxSessions,
			hl.Browsers.Connected, hl.Browsers.Total,
			hl.RoutedUsers, formatUptime(hl.Uptime))
		if hl.Browsers.Reconnecting > 0 {
			info += tui.WarningStyle.Render(fmt.Sprintf("   reconnecting: %d", hl.Browsers.Reconnecting))
		}
		if !hl.AuthEnabled {
			info += tui.WarningStyle.Render("   auth off")
		}
	}
	if h.err != nil {
		info += "\n  " + tui.ErrorStyle.Render(h.err.Error())
	}

	headerStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Width(width-2).
		Padding(0, 1)

	gap := max(width-lipgloss.Width(left)-lipgloss.Width(right)-6, 1)
	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(gap).Render(""),
		right,
	)

	return headerStyle.Render(firstRow + "\n" + tui.Description.Render(info))
}

func formatUptime(seconds float64) string {
	return formatDuration(time.Duration(seconds * float64(time.Second)))
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
