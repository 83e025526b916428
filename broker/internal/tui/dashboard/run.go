package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/adminclient"
)

const refreshInterval = 2 * time.Second

// Run connects to the broker behind c and shows the dashboard until the
// user quits or ctx is cancelled.
func Run(ctx context.Context, c *adminclient.Client, addr string) error {
	if _, err := c.Health(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := NewModel(addr, func(id string) error {
		return c.EvictSession(ctx, id)
	})
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	refresh := func() {
		for _, msg := range Poll(ctx, c) {
			p.Send(msg)
		}
	}

	go func() {
		refresh()
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()

	go streamEvents(ctx, c, p, refresh)

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// Poll fetches health, sessions and connections. A failed fetch yields
// an ErrMsg in place of its result.
func Poll(ctx context.Context, c *adminclient.Client) []tea.Msg {
	h, err := c.Health(ctx)
	if err != nil {
		return []tea.Msg{ErrMsg{Err: err}}
	}
	msgs := []tea.Msg{HealthMsg{Health: h}}
	if s, err := c.Sessions(ctx); err != nil {
		msgs = append(msgs, ErrMsg{Err: err})
	} else {
		msgs = append(msgs, SessionsMsg{Sessions: s.Sessions})
	}
	if conns, err := c.Connections(ctx); err != nil {
		msgs = append(msgs, ErrMsg{Err: err})
	} else {
		msgs = append(msgs, ConnectionsMsg{Connections: conns.Connections})
	}
	return msgs
}

// streamEvents forwards admin events to the program and reconnects when
// the stream drops. Session and connection events trigger a refresh.
func streamEvents(ctx context.Context, c *adminclient.Client, p *tea.Program, refresh func()) {
	for ctx.Err() == nil {
		ch, err := c.Events(ctx)
		if err != nil {
			p.Send(ErrMsg{Err: err})
		} else {
			for e := range ch {
				p.Send(EventMsg{Event: e})
				if strings.HasPrefix(e.Type, "session.") || strings.HasPrefix(e.Type, "connection.") {
					refresh()
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval):
		}
	}
}
