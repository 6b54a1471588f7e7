package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Logger is a thin leveled logger used across the module. Components accept a
// *Logger and fall back to Default when given nil.
type Logger struct {
	logger *slog.Logger
}

// New creates a Logger writing human-readable colored lines to writer at the
// given minimum level. A nil writer defaults to stderr.
func New(minLevel slog.Level, writer io.Writer) *Logger {
	if writer == nil {
		writer = os.Stderr
	}
	return &Logger{
		logger: slog.New(&textHandler{writer: writer, minLevel: minLevel}),
	}
}

// Default returns a stderr logger at Info level.
func Default() *Logger {
	return New(slog.LevelInfo, os.Stderr)
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() *Logger {
	return New(slog.LevelError+1, io.Discard)
}

// With returns a Logger that includes the given key-value attributes on every
// record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

// Debug logs at debug level with alternating key-value args.
func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// Info logs at info level with alternating key-value args.
func (l *Logger) Info(msg string, args ...any) { l.logger.Info(msg, args...) }

// Warn logs at warn level with alternating key-value args.
func (l *Logger) Warn(msg string, args ...any) { l.logger.Warn(msg, args...) }

// Error logs at error level with alternating key-value args.
func (l *Logger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// textHandler renders records as "2006-01-02 15:04:05 LVL msg k=v" lines with
// a colored level tag.
type textHandler struct {
	writer   io.Writer
	minLevel slog.Level
	attrs    []slog.Attr
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	buf := r.Time.Format("2006-01-02 15:04:05") + " " + levelTag(r.Level) + " " + r.Message

	for _, attr := range h.attrs {
		buf += fmt.Sprintf(" %s=%v", attr.Key, attr.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		buf += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})

	_, err := io.WriteString(h.writer, buf+"\n")
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &textHandler{writer: h.writer, minLevel: h.minLevel, attrs: merged}
}

func (h *textHandler) WithGroup(string) slog.Handler {
	// Groups are not used by this module.
	return h
}

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed + "ERR" + colorReset
	case level >= slog.LevelWarn:
		return colorYellow + "WRN" + colorReset
	case level >= slog.LevelInfo:
		return colorCyan + "INF" + colorReset
	default:
		return colorGray + "DBG" + colorReset
	}
}
