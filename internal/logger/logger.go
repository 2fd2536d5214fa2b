// Package logger installs the process-wide structured logger used by every
// other package. It wraps log/slog with a small multi-output, level-filtering
// handler so every package of the core logs through one sink. sipgo's own
// logging does not go through this handler.
package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

var (
	globalLevel  = slog.LevelInfo
	handlerMutex sync.RWMutex
)

// SetLevel sets the global log level from a string (debug, info, warn, error).
func SetLevel(levelStr string) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	globalLevel = ParseLevel(levelStr)
}

// GetLevel returns the current log level as a string.
func GetLevel() string {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return globalLevel.String()
}

// ParseLevel parses a string to an slog.Level, defaulting to Info on
// anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// multiHandler writes formatted records to every configured output,
// gated by the global level.
type multiHandler struct {
	outs  []io.Writer
	mu    *sync.Mutex
	attrs []slog.Attr
	group string
}

// Init installs the default logger writing to the given outputs.
func Init(outputs ...io.Writer) {
	h := &multiHandler{outs: outputs, mu: &sync.Mutex{}}
	slog.SetDefault(slog.New(h))
}

func (h *multiHandler) Enabled(_ context.Context, level slog.Level) bool {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return level >= globalLevel
}

func (h *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	if !h.Enabled(ctx, record.Level) {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	timestamp := record.Time.Format("15:04:05.000")
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(timestamp)
	b.WriteString("] [")
	b.WriteString(record.Level.String())
	b.WriteString("] ")
	if h.group != "" {
		b.WriteString(h.group)
		b.WriteByte(' ')
	}
	b.WriteString(record.Message)

	for _, a := range h.attrs {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value.String())
	}
	record.Attrs(func(a slog.Attr) bool {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value.String())
		return true
	})
	b.WriteByte('\n')

	line := []byte(b.String())
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write(line)
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &multiHandler{outs: h.outs, mu: h.mu, attrs: merged, group: h.group}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	return &multiHandler{outs: h.outs, mu: h.mu, attrs: h.attrs, group: name}
}

func Debug(msg string, args ...any) { slog.Debug(msg, args...) }
func Info(msg string, args ...any)  { slog.Info(msg, args...) }
func Warn(msg string, args ...any)  { slog.Warn(msg, args...) }
func Error(msg string, args ...any) { slog.Error(msg, args...) }
