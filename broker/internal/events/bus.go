// Package events is the broker's in-process event bus. Pool and session
// lifecycle changes and log records are published here; the metrics
// collector, the admin event stream and the dashboard consume them.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	ConnectionConnected    = "connection.connected"
	ConnectionReconnecting = "connection.reconnecting"
	ConnectionRestored     = "connection.restored"
	ConnectionFailed       = "connection.failed"
	ConnectionEvicted      = "connection.evicted"
	ConnectionClosed       = "connection.closed"

	SessionCreated  = "session.created"
	SessionClosed   = "session.closed"
	SessionRejected = "session.rejected"

	UserRegistered   = "user.registered"
	UserUnregistered = "user.unregistered"
	ToolCalled       = "tool.called"

	LogEntry = "log.entry"
)

// Event is a single message on the bus.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// ConnectionEvent is the payload of connection.* events.
type ConnectionEvent struct {
	BrowserID  string `json:"browserId"`
	BrowserURL string `json:"browserURL"`
	UserID     string `json:"userId,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SessionEvent is the payload of session.* events.
type SessionEvent struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Transport string `json:"transport,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

// ToolEvent is the payload of tool.called events.
type ToolEvent struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Tool      string `json:"tool"`
	Error     bool   `json:"error,omitempty"`
	Millis    int64  `json:"ms"`
}

// UserEvent is the payload of user.* events.
type UserEvent struct {
	UserID     string `json:"userId"`
	BrowserID  string `json:"browserId,omitempty"`
	BrowserURL string `json:"browserURL,omitempty"`
}

const subscriberBuffer = 64

// Bus is a fan-out pub/sub event bus. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]map[string]bool // nil filter = all types
	closed bool

	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]map[string]bool)}
}

// Subscribe returns a channel receiving events of the given types, or every
// event when no types are given. Subscribing to a closed bus returns a
// closed channel.
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	var filter map[string]bool
	if len(types) > 0 {
		filter = make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}
	b.subs[ch] = filter
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers e to all matching subscribers.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishType marshals data and publishes it as an event of the given type.
// A nil bus is a no-op so components can run without one.
func (b *Bus) PublishType(eventType string, data any) {
	if b == nil {
		return
	}
	var raw json.RawMessage
	if data != nil {
		raw = mustJSON(data)
	}
	b.Publish(Event{Type: eventType, Timestamp: time.Now().UTC(), Data: raw})
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return raw
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
