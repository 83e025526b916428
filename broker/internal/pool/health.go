package pool

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
)

// Start runs the health loop until ctx is cancelled or the pool is closed.
func (p *Pool) Start(ctx context.Context) {
	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()

	p.logger.Info("health loop started",
		"interval", p.opts.HealthCheckInterval,
		"max_reconnect_attempts", p.opts.MaxReconnectAttempts,
		"reconnect_delay", p.opts.ReconnectDelay)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.baseCtx.Done():
			return
		case <-ticker.C:
			p.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes every connected entry in parallel. Entries that fail
// move to reconnecting and are handed to a background reconnect loop.
func (p *Pool) CheckHealth(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.ProbeConcurrency)
	for _, c := range p.list() {
		if c.Status() != StatusConnected {
			continue
		}
		g.Go(func() error {
			p.probe(gctx, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) probe(ctx context.Context, c *Connection) {
	c.mu.Lock()
	if c.status != StatusConnected || c.handle == nil {
		c.mu.Unlock()
		return
	}
	h := c.handle
	c.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	_, err := h.Version(pctx)
	cancel()

	c.mu.Lock()
	c.lastHealthCheck = time.Now().UTC()
	if err == nil || c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	c.status = StatusReconnecting
	c.reconnectAttempts = 0
	c.mu.Unlock()

	p.logger.Warn("health probe failed", "browser_id", c.id, "browser_url", c.browserURL, "error", err)
	p.bus.PublishType(events.ConnectionReconnecting, events.ConnectionEvent{
		BrowserID: c.id, BrowserURL: c.browserURL, UserID: c.userID, Error: err.Error(),
	})

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	p.wg.Add(1)
	go p.reconnect(c)
}

// reconnect retries with a fixed delay. Each attempt first re-probes the
// existing handle, then dials a fresh one. Exhausting the attempts marks
// the connection failed and evicts it.
func (p *Pool) reconnect(c *Connection) {
	defer p.wg.Done()
	ctx := p.baseCtx

	timer := time.NewTimer(p.opts.ReconnectDelay)
	defer timer.Stop()

	for attempt := 1; attempt <= p.opts.MaxReconnectAttempts; attempt++ {
		if attempt > 1 {
			timer.Reset(p.opts.ReconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if c.status != StatusReconnecting {
			c.mu.Unlock()
			return
		}
		c.reconnectAttempts = attempt
		old := c.handle
		c.mu.Unlock()

		p.logger.Info("reconnecting", "browser_id", c.id, "browser_url", c.browserURL,
			"attempt", attempt, "max", p.opts.MaxReconnectAttempts)

		if old != nil && p.probeHandle(ctx, old) == nil {
			p.restore(c, old, false, attempt)
			return
		}

		dctx, cancel := context.WithTimeout(ctx, p.opts.ConnectionTimeout)
		h, err := p.dialer.Dial(dctx, c.browserURL)
		cancel()
		if err == nil {
			p.restore(c, h, true, attempt)
			return
		}
		p.logger.Warn("reconnect attempt failed", "browser_id", c.id, "attempt", attempt, "error", err)
	}

	p.logger.Error("reconnect attempts exhausted", "browser_id", c.id, "browser_url", c.browserURL)
	p.drop(c, StatusFailed, events.ConnectionEvicted, "reconnect attempts exhausted")
}

func (p *Pool) probeHandle(ctx context.Context, h Handle) error {
	pctx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()
	_, err := h.Version(pctx)
	return err
}

// restore returns the connection to service on h. A freshly dialed handle
// replaces the old one, which is closed after the swap.
func (p *Pool) restore(c *Connection, h Handle, fresh bool, attempt int) {
	c.mu.Lock()
	if c.status != StatusReconnecting {
		c.mu.Unlock()
		if fresh {
			_ = h.Close()
		}
		return
	}
	stale := c.handle
	c.handle = h
	c.status = StatusConnected
	c.reconnectAttempts = 0
	c.lastHealthCheck = time.Now().UTC()
	c.mu.Unlock()

	if fresh && stale != nil {
		_ = stale.Close()
	}
	p.logger.Info("browser connection restored", "browser_id", c.id, "browser_url", c.browserURL, "attempt", attempt)
	p.bus.PublishType(events.ConnectionRestored, events.ConnectionEvent{
		BrowserID: c.id, BrowserURL: c.browserURL, UserID: c.userID, Attempt: attempt,
	})
}
