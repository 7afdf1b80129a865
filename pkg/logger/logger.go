// Package logger provides production-grade structured logging using Go's standard library
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Level represents log levels
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format represents log output formats
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config holds logging configuration with sensible defaults
type Config struct {
	Level      Level  // Log level (debug, info, warn, error)
	Format     Format // Output format (json, pretty)
	Output     io.Writer
	ShowCaller bool // Include file:line in logs
	TimeFormat string
}

// DefaultConfig returns production-ready logging configuration
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Format:     FormatJSON,
		Output:     os.Stdout,
		ShowCaller: false,
		TimeFormat: time.RFC3339,
	}
}

// Logger wraps slog.Logger with domain-specific logging methods
type Logger struct {
	logger *slog.Logger
}

// New creates a new production-ready structured logger
func New(cfg Config) *Logger {
	// Parse log level
	level := parseLevel(cfg.Level)

	// Configure output writer
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var handler slog.Handler

	// Create handler based on format
	if cfg.Format == FormatPretty {
		// Use tint for colored output (always enabled, works even when piped)
		timeFormat := cfg.TimeFormat
		if timeFormat == "" {
			timeFormat = "2006-01-02 15:04:05.000"
		}

		handler = tint.NewHandler(output, &tint.Options{
			Level:      level,
			TimeFormat: timeFormat,
			NoColor:    false, // Always use colors
			AddSource:  cfg.ShowCaller,
		})
	} else {
		// JSON format for production
		opts := &slog.HandlerOptions{
			Level: level,
		}
		if cfg.ShowCaller {
			opts.AddSource = true
		}
		handler = slog.NewJSONHandler(output, opts)
	}

	logger := slog.New(handler).With("service", "tabpulse")

	return &Logger{
		logger: logger,
	}
}

// WithComponent creates a child logger with component context for modularity
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		logger: l.logger.With("component", component),
	}
}

// WithTab creates a child logger with tab context for cross-tab tracing
func (l *Logger) WithTab(tabID string) *Logger {
	return &Logger{
		logger: l.logger.With("tab_id", tabID),
	}
}

// WithFields creates a child logger with arbitrary context fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{
		logger: l.logger.With(args...),
	}
}

// Debug logs debug level message with optional key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logWithFields(slog.LevelDebug, msg, keysAndValues...)
}

// Info logs info level message with optional key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logWithFields(slog.LevelInfo, msg, keysAndValues...)
}

// Warn logs warning level message with optional key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logWithFields(slog.LevelWarn, msg, keysAndValues...)
}

// Error logs error level message with error and optional key-value pairs
func (l *Logger) Error(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append([]interface{}{"error", err.Error(), "error_type", fmt.Sprintf("%T", err)}, keysAndValues...)
	}
	l.logWithFields(slog.LevelError, msg, keysAndValues...)
}

// Fatal logs fatal level message with error and exits with code 1
func (l *Logger) Fatal(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append([]interface{}{"error", err.Error(), "error_type", fmt.Sprintf("%T", err)}, keysAndValues...)
	}
	l.logWithFields(slog.LevelError, msg, keysAndValues...)
	os.Exit(1)
}

// StoreFault logs a storage read/write failure with the affected key
func (l *Logger) StoreFault(op, key string, err error) {
	args := []any{"op", op, "key", key}
	if err != nil {
		args = append(args, "error", err.Error())
	}
	l.logger.Warn("storage operation failed", args...)
}

// CallbackPanic logs a recovered panic from a subscriber or watcher callback
func (l *Logger) CallbackPanic(kind string, recovered interface{}) {
	l.logger.Error("callback panicked", "kind", kind, "panic", fmt.Sprintf("%v", recovered))
}

// WatcherFired logs an inactivity watcher firing with its timeout and callback count
func (l *Logger) WatcherFired(timeout time.Duration, callbacks int) {
	l.logger.Info("inactivity watcher fired", "timeout", timeout, "callbacks", callbacks)
}

// WatcherArmed logs an inactivity watcher being (re)armed with remaining delay
func (l *Logger) WatcherArmed(timeout, remaining time.Duration) {
	l.logger.Debug("inactivity watcher armed", "timeout", timeout, "remaining", remaining)
}

// Heartbeat logs a tab registry heartbeat with the live tab count
func (l *Logger) Heartbeat(tabID string, liveTabs int, err error) {
	msg := "tab heartbeat written"
	args := []any{"tab_id", tabID, "live_tabs", liveTabs}
	if err != nil {
		msg = "tab heartbeat failed"
		args = append(args, "error", err.Error())
	}
	l.logger.Debug(msg, args...)
}

// TabsPruned logs cooperative garbage collection of stale tab entries
func (l *Logger) TabsPruned(pruned int, remaining int) {
	l.logger.Info("stale tab entries pruned", "pruned", pruned, "remaining", remaining)
}

// RelayEvent logs a change event received from or published to the relay
func (l *Logger) RelayEvent(direction, key string) {
	l.logger.Debug("relay change event", "direction", direction, "key", key)
}

// StartupBanner logs a concise startup message with configuration
func (l *Logger) StartupBanner(version string, config map[string]interface{}) {
	l.logger.Info("tabpulse starting", "version", version, "config", config)
}

// ShutdownBanner logs a clear shutdown message
func (l *Logger) ShutdownBanner(reason string) {
	l.logger.Info("shutting down tabpulse", "reason", reason)
}

// logWithFields is a helper to add key-value pairs to log events
func (l *Logger) logWithFields(level slog.Level, msg string, keysAndValues ...interface{}) {
	if len(keysAndValues)%2 != 0 {
		l.logger.Warn("odd number of key-value pairs provided to logger", "args_count", len(keysAndValues))
		keysAndValues = append(keysAndValues, "<missing_value>")
	}

	l.logger.Log(context.Background(), level, msg, keysAndValues...)
}

// GetSlog returns the underlying slog.Logger for advanced use cases
func (l *Logger) GetSlog() *slog.Logger {
	return l.logger
}

// parseLevel converts string level to slog.Level
func parseLevel(level Level) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
