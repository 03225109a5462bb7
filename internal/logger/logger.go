package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps DEBUG/INFO/WARN/ERROR (any case) to a slog level, defaulting to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a JSON logger writing to w (stdout when nil).
func New(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(handler)
}

// Setup installs the process logger so package-level slog calls use it.
func Setup(level, service string) *slog.Logger {
	l := New(os.Stdout, level).With("service", service)
	slog.SetDefault(l)
	return l
}
