// Package observability provides structured logging for oidcbroker.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs at debug level.
	Debug(msg string, args ...any)
	// Info logs at info level.
	Info(msg string, args ...any)
	// Warn logs at warning level.
	Warn(msg string, args ...any)
	// Error logs at error level.
	Error(msg string, args ...any)

	// WithComponent returns a new Logger with the component field set.
	WithComponent(name string) Logger
}

// Config holds configuration for the logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the destination for logs (defaults to os.Stderr).
	Output io.Writer
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Output: os.Stderr,
	}
}

// ConfigFromEnv creates a Config from environment variables.
// OIDCBROKER_LOG_LEVEL: debug, info, warn, error (default: info)
// OIDCBROKER_LOG_FORMAT: json, text (default: text)
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if level := os.Getenv("OIDCBROKER_LOG_LEVEL"); level != "" {
		cfg.Level = level
	}
	if format := os.Getenv("OIDCBROKER_LOG_FORMAT"); format != "" {
		cfg.Format = format
	}
	return cfg
}

type defaultLogger struct {
	slogger *slog.Logger
}

// NewLogger creates a new Logger with the given configuration.
func NewLogger(cfg Config) Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(cfg.Output, opts)
	default:
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return &defaultLogger{slogger: slog.New(handler)}
}

// NewNop returns a Logger that discards everything. Used in tests.
func NewNop() Logger {
	return NewLogger(Config{Level: "error", Output: io.Discard})
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

func (l *defaultLogger) Debug(msg string, args ...any) {
	l.slogger.Debug(msg, args...)
}

func (l *defaultLogger) Info(msg string, args ...any) {
	l.slogger.Info(msg, args...)
}

func (l *defaultLogger) Warn(msg string, args ...any) {
	l.slogger.Warn(msg, args...)
}

func (l *defaultLogger) Error(msg string, args ...any) {
	l.slogger.Error(msg, args...)
}

func (l *defaultLogger) WithComponent(name string) Logger {
	return &defaultLogger{slogger: l.slogger.With("component", name)}
}
