// Package session manages client sessions: one transport connection bound
// to one pooled browser connection, with idle expiry and a capacity cap.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/pool"
)

// Close reasons.
const (
	ReasonClosed    = "closed"
	ReasonTimeout   = "timeout"
	ReasonTransport = "transport"
	ReasonEvicted   = "evicted"
	ReasonShutdown  = "shutdown"
)

// Acquirer hands out pooled browser connections.
type Acquirer interface {
	Acquire(ctx context.Context, userID string) (*pool.Connection, error)
	Release(c *pool.Connection)
}

// Options configures the manager.
type Options struct {
	Timeout         time.Duration
	CleanupInterval time.Duration
	MaxSessions     int // 0 = unlimited
	PersistentMode  bool
}

// Stats summarises active sessions.
type Stats struct {
	Active      int            `json:"active"`
	Persistent  int            `json:"persistent"`
	MaxSessions int            `json:"maxSessions"`
	ByUser      map[string]int `json:"byUser"`
	ByTransport map[string]int `json:"byTransport"`
}

// Manager tracks all active sessions.
type Manager struct {
	pool   Acquirer
	bus    *events.Bus
	logger *slog.Logger
	opts   Options
	slots  *semaphore.Weighted // nil when unlimited
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// CreateOption customises a new session.
type CreateOption func(*Session)

// WithBrowserID records the browser record the session was routed to.
func WithBrowserID(id string) CreateOption {
	return func(s *Session) { s.browserID = id }
}

// NewManager creates a session manager. bus may be nil.
func NewManager(acq Acquirer, bus *events.Bus, logger *slog.Logger, opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	m := &Manager{
		pool:     acq,
		bus:      bus,
		logger:   logger.With("component", "sessions"),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*Session),
	}
	if opts.MaxSessions > 0 {
		m.slots = semaphore.NewWeighted(int64(opts.MaxSessions))
	}
	return m
}

// Create opens a session for userID on t. A slot is reserved before the
// pool is touched, so a full manager allocates nothing.
func (m *Manager) Create(ctx context.Context, userID string, t Transport, opts ...CreateOption) (*Session, error) {
	if m.slots != nil && !m.slots.TryAcquire(1) {
		m.logger.Warn("session rejected, capacity reached", "user_id", userID, "max_sessions", m.opts.MaxSessions)
		m.bus.PublishType(events.SessionRejected, events.SessionEvent{UserID: userID, Transport: t.Kind(), Reason: apperr.CodeMaxSessions})
		return nil, apperr.Capacity(apperr.CodeMaxSessions, "maximum sessions reached (%d)", m.opts.MaxSessions).
			With("maxSessions", m.opts.MaxSessions)
	}

	conn, err := m.pool.Acquire(ctx, userID)
	if err != nil {
		m.releaseSlot()
		return nil, err
	}

	now := m.now()
	s := &Session{
		id:         uuid.New().String(),
		userID:     userID,
		transport:  t,
		createdAt:  now,
		persistent: m.opts.PersistentMode,
		manager:    m,
		closing:    make(chan struct{}),
		exec:       make(chan struct{}, 1),
		conn:       conn,
		resources:  make(map[string]resource),
	}
	s.touch(now)
	for _, opt := range opts {
		opt(s)
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	go m.watchTransport(s)

	m.logger.Info("session created", "session_id", s.id, "user_id", userID, "transport", t.Kind(),
		"browser_url", conn.BrowserURL(), "persistent", s.persistent)
	m.bus.PublishType(events.SessionCreated, events.SessionEvent{SessionID: s.id, UserID: userID, Transport: t.Kind()})
	return s, nil
}

// watchTransport closes the session when the client goes away.
func (m *Manager) watchTransport(s *Session) {
	select {
	case <-s.transport.Done():
		m.closeSession(s.id, ReasonTransport, nil)
	case <-s.closing:
	}
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Touch records activity on a session.
func (m *Manager) Touch(id string) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	s.touch(m.now())
	return true
}

// Close closes a session. Closing an unknown or already-closed session
// returns false.
func (m *Manager) Close(id string) bool {
	return m.closeSession(id, ReasonClosed, nil)
}

// Evict closes a session at an operator's request.
func (m *Manager) Evict(id string) bool {
	return m.closeSession(id, ReasonEvicted, nil)
}

// closeSession removes the session if cond (when set) still holds under
// the lock, then tears it down. Only the caller that removes the entry
// runs the teardown.
func (m *Manager) closeSession(id, reason string, cond func(*Session) bool) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || (cond != nil && !cond(s)) {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	s.shutdown()
	m.releaseSlot()

	lifetime := m.now().Sub(s.createdAt).Round(time.Second)
	m.logger.Info("session closed", "session_id", id, "user_id", s.userID, "reason", reason, "lifetime", lifetime)
	m.bus.PublishType(events.SessionClosed, events.SessionEvent{
		SessionID: id, UserID: s.userID, Transport: s.transport.Kind(), Reason: reason, Duration: lifetime.String(),
	})
	return true
}

func (m *Manager) releaseSlot() {
	if m.slots != nil {
		m.slots.Release(1)
	}
}

// CloseUser closes every session belonging to userID.
func (m *Manager) CloseUser(userID string) int {
	n := 0
	for _, id := range m.ids(func(s *Session) bool { return s.userID == userID }) {
		if m.closeSession(id, ReasonClosed, nil) {
			n++
		}
	}
	return n
}

// Sweep closes non-persistent sessions idle for longer than the timeout.
func (m *Manager) Sweep(now time.Time) int {
	expired := func(s *Session) bool {
		return !s.persistent && now.Sub(s.LastActivity()) > m.opts.Timeout
	}
	n := 0
	for _, id := range m.ids(expired) {
		if m.closeSession(id, ReasonTimeout, expired) {
			n++
		}
	}
	return n
}

// Start runs the idle sweep until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.logger.Info("expired sessions closed", "count", n, "remaining", m.Count())
			}
		}
	}
}

// CloseAll closes every session.
func (m *Manager) CloseAll() int {
	n := 0
	for _, id := range m.ids(nil) {
		if m.closeSession(id, ReasonShutdown, nil) {
			n++
		}
	}
	return n
}

// DetachConnection disposes connection-scoped resources of every session
// bound to browserURL. The sessions stay open and re-acquire on next use.
func (m *Manager) DetachConnection(browserURL string) int {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	disposed := 0
	for _, s := range list {
		disposed += s.detachConnection(browserURL)
	}
	if disposed > 0 {
		m.logger.Info("connection resources disposed", "browser_url", browserURL, "count", disposed)
	}
	return disposed
}

// HandleEviction is a pool eviction hook.
func (m *Manager) HandleEviction(snap pool.Snapshot) {
	m.DetachConnection(snap.BrowserURL)
}

func (m *Manager) ids(match func(*Session) bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, s := range m.sessions {
		if match == nil || match(s) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns info on all sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].SessionID < infos[j].SessionID
	})
	return infos
}

func (m *Manager) Stats() Stats {
	st := Stats{
		MaxSessions: m.opts.MaxSessions,
		ByUser:      make(map[string]int),
		ByTransport: make(map[string]int),
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		st.Active++
		if s.persistent {
			st.Persistent++
		}
		st.ByUser[s.userID]++
		st.ByTransport[s.transport.Kind()]++
	}
	return st
}
