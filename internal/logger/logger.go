// Package logger provides the process-wide structured logger used by every
// component: a single slog.Logger, configurable level/format/output, with
// optional file rotation via lumberjack.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the process-wide logger. Init/InitWithConfig must run before any
// component logs; until then Log is a discard logger so tests that don't
// call Init don't panic.
var Log = slog.New(slog.NewTextHandler(io.Discard, nil))

// Config controls level, format and destination of the process logger.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, text
	Output     string // stdout, stderr, file
	FilePath   string
	MaxSize    int // MB
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// Init initializes the logger with sane JSON-to-stdout defaults at the given
// level. Services that need file rotation or text output call InitWithConfig
// directly.
func Init(level string) {
	InitWithConfig(Config{
		Level:  level,
		Format: "json",
		Output: "stdout",
	})
}

// InitWithConfig initializes the process logger from a full configuration.
func InitWithConfig(cfg Config) {
	var lvl slog.Level
	switch cfg.Level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var writer io.Writer
	switch cfg.Output {
	case "stderr":
		writer = os.Stderr
	case "file":
		path := cfg.FilePath
		if path == "" {
			path = "logs/ci-scaler.log"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			writer = os.Stdout
		} else {
			writer = &lumberjack.Logger{
				Filename:   path,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			}
		}
	default:
		writer = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	Log = slog.New(handler)
}

// WithComponent returns a logger tagged with the originating component name,
// the way every adapter/handler/reconciler identifies its log lines.
func WithComponent(component string) *slog.Logger {
	return Log.With("component", component)
}

// Debug logs at debug level on the process logger.
func Debug(msg string, args ...any) { Log.Debug(msg, args...) }

// Info logs at info level on the process logger.
func Info(msg string, args ...any) { Log.Info(msg, args...) }

// Warn logs at warn level on the process logger.
func Warn(msg string, args ...any) { Log.Warn(msg, args...) }

// Error logs at error level on the process logger.
func Error(msg string, args ...any) { Log.Error(msg, args...) }

// Fatal logs at error level and terminates the process with status 1.
func Fatal(msg string, args ...any) {
	Log.Error(msg, args...)
	os.Exit(1)
}
