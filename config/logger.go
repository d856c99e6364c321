package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLevel maps DEBUG, INFO, WARN and ERROR to slog levels. Anything else is INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
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

// NewLogger returns a tint logger writing to w at the configured level.
func NewLogger(w io.Writer) *slog.Logger {
	return slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      ParseLevel(GetSystemSettingString(LOG_LEVEL)),
			TimeFormat: time.RFC3339Nano,
		}),
	)
}

// SetupLogger installs NewLogger(os.Stderr) as the default logger.
func SetupLogger() *slog.Logger {
	logger := NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return logger
}
