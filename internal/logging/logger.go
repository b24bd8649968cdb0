package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the JSON logger used by the long-running processes.
func NewLogger(level string) *slog.Logger {
	return newLogger(os.Stdout, level, true)
}

// NewConsoleLogger logs plain text to stderr so the CLI can keep stdout for
// ride and proposal output.
func NewConsoleLogger(level string) *slog.Logger {
	return newLogger(os.Stderr, level, false)
}

func newLogger(w io.Writer, level string, structured bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: structured,
	}
	if structured {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
