package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Field names shared across packages.
const (
	KeyComponent   = "component"
	KeySessionID   = "sessionId"
	KeySessionKind = "sessionKind"
	KeyUpdateID    = "componentId"
	KeyBackend     = "backend"
	KeyDurationMs  = "durationMs"
	KeyError       = "error"
)

const redacted = "[REDACTED]"

// sensitiveKeys are attribute names whose values never reach the output,
// whatever logger emitted them.
var sensitiveKeys = map[string]bool{
	"token":         true,
	"authtoken":     true,
	"authorization": true,
	"password":      true,
	"secret":        true,
	"accountkey":    true,
	"secretkey":     true,
}

// root holds the handler built by Init. Loggers handed out by L before Init
// ran resolve it on every record, so package-level loggers follow the
// configured format and level.
var (
	root     atomic.Pointer[slog.Handler]
	level    = new(slog.LevelVar)
	fallback = slog.New(&lateHandler{})
)

func init() {
	install(slog.NewTextHandler(os.Stderr, handlerOptions()))
	slog.SetDefault(fallback)
}

func install(h slog.Handler) { root.Store(&h) }

func handlerOptions() *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if sensitiveKeys[strings.ToLower(a.Key)] {
				return slog.String(a.Key, redacted)
			}
			return a
		},
	}
}

// Init replaces the process-wide handler. format is "json" or "text"; level
// is debug, info, warn or error. A nil output means stderr since stdout
// carries command output.
func Init(format, lvl string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	level.Set(parseLevel(lvl))

	if strings.EqualFold(strings.TrimSpace(format), "json") {
		install(slog.NewJSONHandler(output, handlerOptions()))
		return
	}
	install(slog.NewTextHandler(output, handlerOptions()))
}

// SetLevel adjusts the level in place, e.g. after a config reload.
func SetLevel(lvl string) {
	level.Set(parseLevel(lvl))
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return fallback.With(slog.String(KeyComponent, component))
}

// WithSession tags logger with a session's id and kind.
func WithSession(logger *slog.Logger, sessionID, kind string) *slog.Logger {
	return logger.With(
		slog.String(KeySessionID, sessionID),
		slog.String(KeySessionKind, kind),
	)
}

// lateHandler replays its With/WithGroup calls onto whatever handler is
// installed when a record is handled.
type lateHandler struct {
	steps []func(slog.Handler) slog.Handler
}

func (h *lateHandler) resolve() slog.Handler {
	out := *root.Load()
	for _, step := range h.steps {
		out = step(out)
	}
	return out
}

func (h *lateHandler) extend(step func(slog.Handler) slog.Handler) *lateHandler {
	steps := make([]func(slog.Handler) slog.Handler, len(h.steps), len(h.steps)+1)
	copy(steps, h.steps)
	return &lateHandler{steps: append(steps, step)}
}

func (h *lateHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return (*root.Load()).Enabled(ctx, l)
}

func (h *lateHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *lateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.extend(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *lateHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.extend(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	default:
		if err := l.UnmarshalText([]byte(v)); err != nil {
			return slog.LevelInfo
		}
		return l
	}
}
