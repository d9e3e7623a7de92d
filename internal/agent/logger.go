package agent

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"fleet-telemetry-agent/internal/config"
)

func BuildLogger(cfg config.Config) *slog.Logger {
	return newLogger(os.Stdout, cfg.LogJSON, cfg.LogLevel)
}

func newLogger(w io.Writer, json bool, level string) *slog.Logger {
	hOpts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if json {
		return slog.New(slog.NewJSONHandler(w, hOpts))
	}
	return slog.New(slog.NewTextHandler(w, hOpts))
}

// ParseLevel maps a config string to a level; anything unknown is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
