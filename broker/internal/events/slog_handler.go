package events

import (
	"context"
	"log/slog"
	"slices"
)

// LogRecord is the payload of log.entry events.
type LogRecord struct {
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// SlogHandler writes to an inner handler and mirrors records at or above
// minLevel onto the bus as log.entry events.
type SlogHandler struct {
	inner    slog.Handler
	bus      *Bus
	minLevel slog.Level
	attrs    []slog.Attr
	group    string
}

// NewSlogHandler returns a handler that writes to inner and publishes to bus.
func NewSlogHandler(inner slog.Handler, bus *Bus, minLevel slog.Level) *SlogHandler {
	return &SlogHandler{inner: inner, bus: bus, minLevel: minLevel}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.minLevel {
		rec := LogRecord{
			Level:   r.Level.String(),
			Message: r.Message,
			Attrs:   make(map[string]any, r.NumAttrs()+len(h.attrs)),
		}
		add := func(a slog.Attr) {
			key := a.Key
			if h.group != "" {
				key = h.group + "." + key
			}
			if a.Key == "component" {
				rec.Component = a.Value.String()
				return
			}
			rec.Attrs[key] = a.Value.Resolve().Any()
		}
		for _, a := range h.attrs {
			add(a)
		}
		r.Attrs(func(a slog.Attr) bool {
			add(a)
			return true
		})
		h.bus.Publish(Event{Type: LogEntry, Timestamp: r.Time, Data: mustJSON(rec)})
	}
	return h.inner.Handle(ctx, r)
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SlogHandler{
		inner:    h.inner.WithAttrs(attrs),
		bus:      h.bus,
		minLevel: h.minLevel,
		attrs:    append(slices.Clip(h.attrs), attrs...),
		group:    h.group,
	}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &SlogHandler{
		inner:    h.inner.WithGroup(name),
		bus:      h.bus,
		minLevel: h.minLevel,
		attrs:    h.attrs,
		group:    group,
	}
}
