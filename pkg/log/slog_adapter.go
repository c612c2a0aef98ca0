package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes pipeline events to an slog.Logger. Useful in
// development to watch events on the console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates an adapter writing to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("category", event.Category.String()),
	}

	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", event.RemoteAddr))
	}

	switch {
	case event.Lifecycle != nil:
		attrs = append(attrs, slog.String("state", event.Lifecycle.State))
		if event.Lifecycle.Handler != "" {
			attrs = append(attrs, slog.String("handler", event.Lifecycle.Handler))
		}
	case event.Data != nil:
		attrs = append(attrs,
			slog.Int("size", event.Data.Size),
			slog.Bool("truncated", event.Data.Truncated),
		)
	case event.Timeout != nil:
		attrs = append(attrs,
			slog.Int64("idle_ms", event.Timeout.IdleMillis),
			slog.Int64("window_ms", event.Timeout.WindowMillis),
		)
	case event.Fault != nil:
		attrs = append(attrs,
			slog.String("error", event.Fault.Message),
			slog.Bool("unhandled", event.Fault.Unhandled),
		)
	case event.Config != nil:
		attrs = append(attrs,
			slog.String("option", event.Config.Option),
			slog.Int64("value", event.Config.Value),
		)
		if event.Config.Clamped {
			attrs = append(attrs, slog.Bool("clamped", true))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "pipeline", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
