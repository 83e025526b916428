package broker

import (
	"io"
	"log/slog"
	"strings"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/config"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
)

// NewLogger builds the process logger. When bus is non-nil, records at
// info and above are mirrored onto it for the admin event stream.
func NewLogger(cfg config.LoggingConfig, out io.Writer, bus *events.Bus) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	if bus != nil {
		handler = events.NewSlogHandler(handler, bus, slog.LevelInfo)
	}
	return slog.New(handler)
}
