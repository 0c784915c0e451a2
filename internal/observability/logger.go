// Package observability contains logging setup and Prometheus metrics.
package observability

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashureev/wa-relay/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process JSON logger. When cfg.File is set, output is
// mirrored to a size-rotated file. The returned closer releases the file.
func NewLogger(cfg config.LogConfig) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err == nil {
			rotator := &lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    max(cfg.MaxSizeMB, 10),
				MaxBackups: max(cfg.MaxBackups, 1),
				MaxAge:     max(cfg.MaxAgeDays, 7),
				Compress:   true,
			}
			out = io.MultiWriter(os.Stdout, rotator)
			closer = rotator
		}
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	}))
	return logger, closer
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
