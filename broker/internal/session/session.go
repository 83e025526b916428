package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/pool"
)

// Transport is the client connection a session is bound to.
type Transport interface {
	// Kind names the transport ("sse", "ws").
	Kind() string
	// Done is closed when the client goes away.
	Done() <-chan struct{}
	Close() error
}

// Disposer releases a resource held on behalf of a session.
type Disposer interface {
	Dispose()
}

// DisposeFunc adapts a function to Disposer.
type DisposeFunc func()

func (f DisposeFunc) Dispose() { f() }

type resource struct {
	d             Disposer
	connectionRef bool
}

// Session binds one client transport to a browser connection.
type Session struct {
	id         string
	userID     string
	browserID  string
	transport  Transport
	createdAt  time.Time
	persistent bool
	manager    *Manager

	lastActivity atomic.Int64 // unix nanos
	closing      chan struct{}
	exec         chan struct{}

	mu        sync.Mutex
	conn      *pool.Connection
	resources map[string]resource
	closed    bool
}

// Info is a read-only view of a session.
type Info struct {
	SessionID        string      `json:"sessionId"`
	UserID           string      `json:"userId"`
	BrowserID        string      `json:"browserId,omitempty"`
	Transport        string      `json:"transport"`
	CreatedAt        time.Time   `json:"createdAt"`
	LastActivity     time.Time   `json:"lastActivity"`
	Persistent       bool        `json:"persistent"`
	BrowserURL       string      `json:"browserURL,omitempty"`
	ConnectionStatus pool.Status `json:"connectionStatus,omitempty"`
	Resources        int         `json:"resources"`
}

func (s *Session) ID() string           { return s.id }
func (s *Session) UserID() string       { return s.userID }
func (s *Session) BrowserID() string    { return s.browserID }
func (s *Session) Transport() Transport { return s.transport }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) Persistent() bool     { return s.persistent }

// LastActivity returns the time of the last touch.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load()).UTC()
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// Closed returns a channel that is closed when the session ends.
func (s *Session) Closed() <-chan struct{} {
	return s.closing
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		SessionID:    s.id,
		UserID:       s.userID,
		BrowserID:    s.browserID,
		Transport:    s.transport.Kind(),
		CreatedAt:    s.createdAt,
		LastActivity: s.LastActivity(),
		Persistent:   s.persistent,
		Resources:    len(s.resources),
	}
	if s.conn != nil {
		info.BrowserURL = s.conn.BrowserURL()
		info.ConnectionStatus = s.conn.Status()
	}
	return info
}

// Connection returns the session's browser connection. When the previous
// one was evicted or failed, a fresh one is acquired from the pool. The
// session lock is not held while the pool dials.
func (s *Session) Connection(ctx context.Context) (*pool.Connection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperr.NotFound(apperr.CodeSessionNotFound, "session %s is closed", s.id)
	}
	if s.conn != nil {
		switch s.conn.Status() {
		case pool.StatusConnected, pool.StatusReconnecting:
			conn := s.conn
			s.mu.Unlock()
			return conn, nil
		}
		s.releaseConnLocked()
	}
	s.mu.Unlock()

	conn, err := s.manager.pool.Acquire(ctx, s.userID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.manager.pool.Release(conn)
		return nil, apperr.NotFound(apperr.CodeSessionNotFound, "session %s is closed", s.id)
	}
	if s.conn != nil {
		// Another caller attached a connection first.
		s.manager.pool.Release(conn)
		return s.conn, nil
	}
	s.conn = conn
	return conn, nil
}

// Exec runs fn with the session's tool calls serialized. The session is
// touched before fn runs.
func (s *Session) Exec(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case s.exec <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closing:
		return apperr.NotFound(apperr.CodeSessionNotFound, "session %s is closed", s.id)
	}
	defer func() { <-s.exec }()

	s.touch(s.manager.now())
	return fn(ctx)
}

// Attach registers a resource disposed when the session closes. An existing
// resource under the same key is disposed first.
func (s *Session) Attach(key string, d Disposer) {
	s.attach(key, d, false)
}

// AttachToConnection registers a resource tied to the current browser
// connection. It is disposed when the session closes or when the
// connection leaves the pool.
func (s *Session) AttachToConnection(key string, d Disposer) {
	s.attach(key, d, true)
}

func (s *Session) attach(key string, d Disposer, connectionRef bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		d.Dispose()
		return
	}
	prev, had := s.resources[key]
	s.resources[key] = resource{d: d, connectionRef: connectionRef}
	s.mu.Unlock()
	if had {
		prev.d.Dispose()
	}
}

// Detach disposes and removes the resource under key.
func (s *Session) Detach(key string) bool {
	s.mu.Lock()
	r, ok := s.resources[key]
	delete(s.resources, key)
	s.mu.Unlock()
	if ok {
		r.d.Dispose()
	}
	return ok
}

// Resource reports whether a resource is registered under key.
func (s *Session) Resource(key string) (Disposer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[key]
	return r.d, ok
}

// detachConnection disposes connection-scoped resources and drops the
// reference to the connection if it points at browserURL.
func (s *Session) detachConnection(browserURL string) int {
	s.mu.Lock()
	if s.conn == nil || s.conn.BrowserURL() != browserURL {
		s.mu.Unlock()
		return 0
	}
	var disposers []Disposer
	for k, r := range s.resources {
		if r.connectionRef {
			disposers = append(disposers, r.d)
			delete(s.resources, k)
		}
	}
	s.releaseConnLocked()
	s.mu.Unlock()

	for _, d := range disposers {
		d.Dispose()
	}
	return len(disposers)
}

func (s *Session) releaseConnLocked() {
	if s.conn != nil {
		s.manager.pool.Release(s.conn)
		s.conn = nil
	}
}

// shutdown runs once per session: it stops the exec queue, disposes every
// resource, releases the connection and closes the transport.
func (s *Session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.closing)
	disposers := make([]Disposer, 0, len(s.resources))
	for _, r := range s.resources {
		disposers = append(disposers, r.d)
	}
	s.resources = nil
	s.releaseConnLocked()
	s.mu.Unlock()

	for _, d := range disposers {
		d.Dispose()
	}
	_ = s.transport.Close()
}
