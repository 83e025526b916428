package dashboard

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/tui"
)

type keyMap struct {
	Quit   key.Binding
	Tab    key.Binding
	Down   key.Binding
	Up     key.Binding
	Evict  key.Binding
	Top    key.Binding
	Bottom key.Binding
	Help   key.Binding
}

var keys = keyMap{
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Tab:    key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next panel")),
	Down:   key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "down")),
	Up:     key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "up")),
	Evict:  key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "evict session")),
	Top:    key.NewBinding(key.WithKeys("g"), key.WithHelp("g", "top")),
	Bottom: key.NewBinding(key.WithKeys("G"), key.WithHelp("G", "bottom, follow events")),
	Help:   key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
}

func (k keyMap) short() []key.Binding {
	return []key.Binding{k.Quit, k.Tab, k.Down, k.Evict, k.Help}
}

func (k keyMap) full() []key.Binding {
	return []key.Binding{k.Quit, k.Tab, k.Down, k.Up, k.Evict, k.Top, k.Bottom, k.Help}
}

type helpModel struct {
	visible bool
}

func (h *helpModel) toggle() {
	h.visible = !h.visible
}

func (h helpModel) bar() string {
	parts := make([]string, 0, len(keys.short()))
	for _, b := range keys.short() {
		parts = append(parts, b.Help().Key+" "+b.Help().Desc)
	}
	return tui.Help.Render("  " + strings.Join(parts, "  "))
}

func (h helpModel) View() string {
	keyStyle := lipgloss.NewStyle().Foreground(tui.ColorAccent).Bold(true).Width(10)
	descStyle := lipgloss.NewStyle().Foreground(tui.ColorText)

	var b strings.Builder
	b.WriteString(tui.Title.Render("Keys") + "\n\n")
	for _, k := range keys.full() {
		b.WriteString("  " + keyStyle.Render(k.Help().Key) + descStyle.Render(k.Help().Desc) + "\n")
	}
	b.WriteString("\n" + tui.Help.Render("  x only acts on the Sessions panel. Press ? to close."))
	return lipgloss.NewStyle().Padding(1, 2).Render(b.String())
}
