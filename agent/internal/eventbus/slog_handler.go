package eventbus

import (
	"context"
	"log/slog"
)

// SlogHandler wraps an slog.Handler and mirrors every record at or above
// Level onto the bus as a LogEntry event, so a status client can follow the
// agent's log without reading its output stream.
type SlogHandler struct {
	inner slog.Handler
	bus   *Bus
	level slog.Leveler
	attrs []slog.Attr
	group string
}

// NewSlogHandler returns a handler that writes to inner and publishes records
// at or above level to bus.
func NewSlogHandler(inner slog.Handler, bus *Bus, level slog.Leveler) *SlogHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &SlogHandler{inner: inner, bus: bus, level: level}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() {
		entry := map[string]any{
			"level": r.Level.String(),
			"msg":   r.Message,
			"time":  r.Time,
		}
		for _, a := range h.attrs {
			entry[a.Key] = a.Value.Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			key := a.Key
			if h.group != "" {
				key = h.group + "." + key
			}
			entry[key] = a.Value.Any()
			return true
		})
		h.bus.PublishType(LogEntry, entry)
	}
	return h.inner.Handle(ctx, r)
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		merged = append(merged, a)
	}
	return &SlogHandler{
		inner: h.inner.WithAttrs(attrs),
		bus:   h.bus,
		level: h.level,
		attrs: merged,
		group: h.group,
	}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &SlogHandler{
		inner: h.inner.WithGroup(name),
		bus:   h.bus,
		level: h.level,
		attrs: h.attrs,
		group: group,
	}
}
