// Package pool owns the broker's live browser attachments. There is at most
// one connection per browser URL; it is shared by every session routed to
// that browser, health-checked in the background and reconnected with a
// bounded fixed-delay policy.
package pool

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
)

// Status is the connection state.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// Resolver maps a user to its browser URL.
type Resolver interface {
	GetUserBrowserURL(userID string) (string, bool)
}

// Options configures the pool.
type Options struct {
	HealthCheckInterval  time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ConnectionTimeout    time.Duration
	ProbeTimeout         time.Duration
	ProbeConcurrency     int
}

func (o *Options) applyDefaults() {
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 30 * time.Second
	}
	if o.MaxReconnectAttempts < 0 {
		o.MaxReconnectAttempts = 0
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = 30 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.ProbeConcurrency <= 0 {
		o.ProbeConcurrency = 8
	}
}

// Connection is a pooled browser attachment. Its state is only changed by
// the pool; callers read it through accessors.
type Connection struct {
	id         string
	browserURL string
	userID     string
	createdAt  time.Time

	mu                sync.Mutex
	handle            Handle
	status            Status
	lastHealthCheck   time.Time
	reconnectAttempts int
	refs              int
}

// Snapshot is a point-in-time copy of a connection's state.
type Snapshot struct {
	BrowserID         string    `json:"browserId"`
	BrowserURL        string    `json:"browserURL"`
	UserID            string    `json:"userId"`
	Status            Status    `json:"status"`
	LastHealthCheck   time.Time `json:"lastHealthCheck,omitzero"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	CreatedAt         time.Time `json:"createdAt"`
	Refs              int       `json:"refs"`
}

func (c *Connection) ID() string         { return c.id }
func (c *Connection) BrowserURL() string { return c.browserURL }
func (c *Connection) UserID() string     { return c.userID }

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Handle returns the current live handle, or an error when the connection
// is not usable.
func (c *Connection) Handle() (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status {
	case StatusConnected:
		return c.handle, nil
	case StatusReconnecting:
		return nil, apperr.Connection(apperr.CodeReconnecting, "browser %s is reconnecting", c.browserURL).
			With("browserURL", c.browserURL)
	default:
		return nil, apperr.Connection(apperr.CodeConnectionFailed, "browser connection is %s", c.status).
			With("browserURL", c.browserURL)
	}
}

func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Connection) snapshotLocked() Snapshot {
	return Snapshot{
		BrowserID:         c.id,
		BrowserURL:        c.browserURL,
		UserID:            c.userID,
		Status:            c.status,
		LastHealthCheck:   c.lastHealthCheck,
		ReconnectAttempts: c.reconnectAttempts,
		CreatedAt:         c.createdAt,
		Refs:              c.refs,
	}
}

// Stats summarises the pool.
type Stats struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Reconnecting int `json:"reconnecting"`
	Failed       int `json:"failed"`
	ActiveRefs   int `json:"activeRefs"`
}

// Pool is the connection pool. The map lock is only held for map access;
// all I/O happens outside it.
type Pool struct {
	resolver Resolver
	dialer   Dialer
	bus      *events.Bus
	logger   *slog.Logger
	opts     Options

	mu     sync.RWMutex
	conns  map[string]*Connection // browser URL -> connection
	closed bool

	dials singleflight.Group

	hooksMu sync.RWMutex
	hooks   []func(Snapshot)

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a pool. bus may be nil.
func New(resolver Resolver, dialer Dialer, bus *events.Bus, logger *slog.Logger, opts Options) *Pool {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		resolver: resolver,
		dialer:   dialer,
		bus:      bus,
		logger:   logger.With("component", "pool"),
		opts:     opts,
		conns:    make(map[string]*Connection),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// OnEvict registers fn to run whenever a connection leaves the pool.
func (p *Pool) OnEvict(fn func(Snapshot)) {
	p.hooksMu.Lock()
	p.hooks = append(p.hooks, fn)
	p.hooksMu.Unlock()
}

// Acquire returns the shared connection for the user's browser, attaching
// if needed. Concurrent callers for the same browser share one dial. The
// caller must Release the connection when done.
func (p *Pool) Acquire(ctx context.Context, userID string) (*Connection, error) {
	browserURL, ok := p.resolver.GetUserBrowserURL(userID)
	if !ok {
		return nil, apperr.Validation(apperr.CodeUserNotRegistered, "user %s is not registered", userID).
			With("userId", userID)
	}

	if c, err := p.existing(browserURL); c != nil || err != nil {
		return c, err
	}

	ch := p.dials.DoChan(browserURL, func() (any, error) {
		if c, err := p.peek(browserURL); c != nil || err != nil {
			return c, err
		}
		return p.connect(browserURL, userID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		c := res.Val.(*Connection)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.status != StatusConnected {
			return nil, apperr.Connection(apperr.CodeReconnecting, "browser %s is %s", browserURL, c.status).
				With("browserURL", browserURL)
		}
		c.refs++
		return c, nil
	case <-ctx.Done():
		return nil, apperr.Connection(apperr.CodeConnectionFailed, "gave up waiting for browser %s", browserURL).
			Wrap(ctx.Err()).With("browserURL", browserURL)
	}
}

// existing returns a connected entry with a reference taken.
func (p *Pool) existing(browserURL string) (*Connection, error) {
	c, err := p.peek(browserURL)
	if c == nil || err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected {
		return nil, nil
	}
	c.refs++
	return c, nil
}

// peek returns a connected entry without taking a reference. Entries that
// are no longer usable are dropped so a fresh attach can replace them.
func (p *Pool) peek(browserURL string) (*Connection, error) {
	p.mu.RLock()
	c := p.conns[browserURL]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, apperr.Connection(apperr.CodeConnectionFailed, "connection pool is closed")
	}
	if c == nil {
		return nil, nil
	}

	switch c.Status() {
	case StatusConnected:
		return c, nil
	case StatusReconnecting:
		return nil, apperr.Connection(apperr.CodeReconnecting, "browser %s is reconnecting", browserURL).
			With("browserURL", browserURL)
	default:
		p.removeEntry(c)
		return nil, nil
	}
}

func (p *Pool) connect(browserURL, userID string) (*Connection, error) {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.opts.ConnectionTimeout)
	defer cancel()

	start := time.Now()
	h, err := p.dialer.Dial(ctx, browserURL)
	if err != nil {
		p.logger.Warn("browser attach failed", "browser_url", browserURL, "user_id", userID, "error", err)
		p.bus.PublishType(events.ConnectionFailed, events.ConnectionEvent{
			BrowserURL: browserURL, UserID: userID, Error: err.Error(),
		})
		if ae, ok := apperr.As(err); ok && ae.Kind == apperr.KindConnection {
			return nil, ae
		}
		return nil, apperr.Connection(apperr.CodeConnectionFailed, "failed to connect to browser %s", browserURL).
			Wrap(err).With("browserURL", browserURL).With("userId", userID)
	}

	now := time.Now().UTC()
	c := &Connection{
		id:              uuid.New().String(),
		browserURL:      browserURL,
		userID:          userID,
		createdAt:       now,
		handle:          h,
		status:          StatusConnected,
		lastHealthCheck: now,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = h.Close()
		return nil, apperr.Connection(apperr.CodeConnectionFailed, "connection pool is closed")
	}
	p.conns[browserURL] = c
	p.mu.Unlock()

	p.logger.Info("browser connected", "browser_id", c.id, "browser_url", browserURL, "user_id", userID,
		"elapsed", time.Since(start).Round(time.Millisecond))
	p.bus.PublishType(events.ConnectionConnected, events.ConnectionEvent{
		BrowserID: c.id, BrowserURL: browserURL, UserID: userID,
	})
	return c, nil
}

// Release drops one reference. The connection stays pooled for reuse.
func (p *Pool) Release(c *Connection) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.refs > 0 {
		c.refs--
	}
	c.mu.Unlock()
}

// Get returns the pooled connection for the user's browser, if any.
func (p *Pool) Get(userID string) (*Connection, bool) {
	browserURL, ok := p.resolver.GetUserBrowserURL(userID)
	if !ok {
		return nil, false
	}
	return p.GetByURL(browserURL)
}

// GetByURL returns the pooled connection for browserURL, if any.
func (p *Pool) GetByURL(browserURL string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[browserURL]
	return c, ok
}

// Disconnect detaches from browserURL and drops it from the pool.
func (p *Pool) Disconnect(browserURL string) bool {
	c, ok := p.GetByURL(browserURL)
	if !ok {
		return false
	}
	p.drop(c, StatusDisconnected, events.ConnectionClosed, "")
	return true
}

// Evict removes browserURL as failed.
func (p *Pool) Evict(browserURL, reason string) bool {
	c, ok := p.GetByURL(browserURL)
	if !ok {
		return false
	}
	p.drop(c, StatusFailed, events.ConnectionEvicted, reason)
	return true
}

// drop sets the terminal status, removes c from the map, closes its handle
// and notifies eviction hooks. A reconnecting entry can only end as failed.
func (p *Pool) drop(c *Connection, status Status, eventType, reason string) {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	if c.status == StatusReconnecting {
		status = StatusFailed
	}
	c.status = status
	snap := c.snapshotLocked()
	c.mu.Unlock()

	removed := p.removeEntry(c)
	if h != nil {
		if err := h.Close(); err != nil {
			p.logger.Debug("close browser handle", "browser_id", c.id, "error", err)
		}
	}
	if !removed {
		return
	}

	p.logger.Info("browser connection removed", "browser_id", c.id, "browser_url", c.browserURL,
		"status", status, "reason", reason)
	p.bus.PublishType(eventType, events.ConnectionEvent{
		BrowserID: c.id, BrowserURL: c.browserURL, UserID: c.userID, Error: reason,
	})

	p.hooksMu.RLock()
	hooks := slices.Clone(p.hooks)
	p.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(snap)
	}
}

func (p *Pool) removeEntry(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[c.browserURL] != c {
		return false
	}
	delete(p.conns, c.browserURL)
	return true
}

// Connections returns snapshots of every pooled connection.
func (p *Pool) Connections() []Snapshot {
	out := make([]Snapshot, 0)
	for _, c := range p.list() {
		out = append(out, c.Snapshot())
	}
	return out
}

func (p *Pool) list() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

func (p *Pool) Stats() Stats {
	var st Stats
	for _, s := range p.Connections() {
		st.Total++
		st.ActiveRefs += s.Refs
		switch s.Status {
		case StatusConnected:
			st.Connected++
		case StatusReconnecting:
			st.Reconnecting++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}

// Close stops background work and detaches from every browser.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	for _, c := range p.list() {
		p.drop(c, StatusDisconnected, events.ConnectionClosed, "shutdown")
	}
	p.logger.Info("connection pool closed")
}
