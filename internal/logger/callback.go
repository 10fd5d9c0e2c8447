package logger

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Level is the severity handed to a Callback. The numbering matches the one
// used by native inference runtimes so host bindings can pass it through.
type Level int32

const (
	LevelError Level = 2
	LevelWarn  Level = 3
	LevelInfo  Level = 4
	LevelDebug Level = 5
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

// LevelOf maps a slog level onto the callback numbering.
func LevelOf(l slog.Level) Level {
	switch {
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarn
	case l >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// Callback receives engine log lines.
type Callback func(level Level, msg string)

var callback atomic.Pointer[Callback]

// SetCallback installs fn as the process-wide sink for engine logs and
// returns the callback it replaced. A nil fn restores the default output.
// Callbacks run synchronously on the logging goroutine.
func SetCallback(fn Callback) Callback {
	var p *Callback
	if fn != nil {
		p = &fn
	}
	old := callback.Swap(p)
	if old == nil {
		return nil
	}
	return *old
}

func currentCallback() Callback {
	if p := callback.Load(); p != nil {
		return *p
	}
	return nil
}

// Engine returns a logger that writes to the installed Callback when one is
// set and to base otherwise. The choice is made per record, so installing a
// callback affects loggers created earlier.
func Engine(base Logger) Logger {
	if base == nil {
		base = Default()
	}
	return New(&routeHandler{fallback: base.Handler()})
}

type routeHandler struct {
	fallback slog.Handler
	attrs    []slog.Attr
	group    string
}

func (h *routeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if currentCallback() != nil {
		return true
	}
	return h.fallback.Enabled(ctx, level)
}

func (h *routeHandler) Handle(ctx context.Context, r slog.Record) error {
	cb := currentCallback()
	if cb == nil {
		return h.fallback.Handle(ctx, r)
	}
	buf := make([]byte, 0, 128)
	buf = append(buf, r.Message...)
	emit := func(a slog.Attr) {
		buf = append(buf, ' ')
		buf = appendAttr(buf, a, h.group)
	}
	for _, a := range h.attrs {
		emit(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		emit(a)
		return true
	})
	cb(LevelOf(r.Level), string(buf))
	return nil
}

func (h *routeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &routeHandler{fallback: h.fallback.WithAttrs(attrs), attrs: merged, group: h.group}
}

func (h *routeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	g := name
	if h.group != "" {
		g = h.group + "." + name
	}
	return &routeHandler{fallback: h.fallback.WithGroup(name), attrs: h.attrs, group: g}
}
