package events

import (
	"bytes"
	"log/slog"
	"testing"
	"time"
)

func receive(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestSubscribeFilters(t *testing.T) {
	b := NewBus()
	defer b.Close()

	all := b.Subscribe()
	sessions := b.Subscribe(SessionCreated, SessionClosed)

	b.PublishType(ConnectionConnected, ConnectionEvent{BrowserID: "b1", BrowserURL: "http://x:9222"})
	b.PublishType(SessionClosed, SessionEvent{SessionID: "s1", Reason: "timeout"})

	if e := receive(t, all); e.Type != ConnectionConnected {
		t.Errorf("first event on all = %s", e.Type)
	}
	receive(t, all)

	e := receive(t, sessions)
	if e.Type != SessionClosed {
		t.Fatalf("filtered subscriber got %s", e.Type)
	}
	var payload SessionEvent
	if err := e.Decode(&payload); err != nil || payload.Reason != "timeout" {
		t.Errorf("payload = %+v, %v", payload, err)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus()
	defer b.Close()
	_ = b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.PublishType(ToolCalled, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if b.Dropped() != 10 {
		t.Errorf("Dropped = %d, want 10", b.Dropped())
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	b.Close()
	if _, ok := <-ch; ok {
		t.Error("subscriber channel still open")
	}
	late := b.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribe after close returned an open channel")
	}
	b.PublishType(SessionCreated, nil)
	b.Close()
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *Bus
	b.PublishType(SessionCreated, SessionEvent{SessionID: "x"})
}

func TestSlogHandlerMirrorsRecords(t *testing.T) {
	b := NewBus()
	defer b.Close()
	ch := b.Subscribe(LogEntry)

	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewSlogHandler(inner, b, slog.LevelInfo)).With("component", "pool")

	logger.Debug("probe ok", "browser_id", "b1")
	logger.Warn("probe failed", "browser_id", "b1")

	e := receive(t, ch)
	var rec LogRecord
	if err := e.Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Message != "probe failed" || rec.Level != "WARN" || rec.Component != "pool" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Attrs["browser_id"] != "b1" {
		t.Errorf("attrs = %v", rec.Attrs)
	}
	if !bytes.Contains(buf.Bytes(), []byte("probe ok")) {
		t.Error("inner handler did not receive debug record")
	}
}
