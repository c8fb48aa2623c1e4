// Package logger provides structured logging for the adapter fleet.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	globalLogger *Logger
	once         sync.Once
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Logger wraps slog.Logger with the fleet's conventions for component
// and request-scoped attribution.
type Logger struct {
	*slog.Logger
	component string
}

// Config holds logger configuration.
type Config struct {
	Level     string
	Format    string // "json" or "text"
	Output    string // "stdout", "stderr", or file path
	Component string // component name for logs
}

// New creates a new logger instance.
func New(cfg Config) (*Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var writer io.Writer
	output := cfg.Output
	if output == "" {
		output = "stdout"
	}

	switch output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	logger := slog.New(handler).With(
		"service", "chatmesh-adapters",
		"component", cfg.Component,
	)

	return &Logger{Logger: logger, component: cfg.Component}, nil
}

// Initialize sets up the global logger with configuration.
func Initialize(level, format, output string) error {
	var onceErr error
	once.Do(func() {
		if output == "" {
			output = "stdout"
		}
		if format == "" {
			format = "text"
		}
		if level == "" {
			level = "info"
		}

		var err error
		globalLogger, err = New(Config{
			Level:     level,
			Format:    format,
			Output:    output,
			Component: "adapter",
		})
		if err != nil {
			onceErr = fmt.Errorf("failed to initialize logger: %w", err)
			return
		}

		globalLogger.Info("logger initialized", "level", level, "format", format, "output", output)
	})

	return onceErr
}

// Global returns the global logger instance.
func Global() *Logger {
	if globalLogger == nil {
		logger, _ := New(Config{Level: "info", Format: "text", Output: "stdout", Component: "adapter"})
		return logger
	}
	return globalLogger
}

// WithComponent returns a new logger with the component name set.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component), component: component}
}

// WithRequestID returns a new logger with a request ID for tracing a
// single socketio request across its queue lifetime.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{Logger: l.Logger.With("request_id", requestID), component: l.component}
}

// WithConversationID returns a new logger scoped to one canonical
// conversation, for tracing a delta or command through the pipeline.
func (l *Logger) WithConversationID(conversationID string) *Logger {
	return &Logger{Logger: l.Logger.With("conversation_id", conversationID), component: l.component}
}

// ErrorEvent logs an error with context and its dynamic type, useful
// when multiple wrapped error kinds share a message.
func (l *Logger) ErrorEvent(ctx context.Context, message string, err error, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("error", err.Error()),
		slog.String("error_type", fmt.Sprintf("%T", err)),
	}
	allAttrs := append(baseAttrs, attrs...)
	l.LogAttrs(ctx, slog.LevelError, message, allAttrs...)
}

// Convenience methods that use the global logger.

func Info(msg string, args ...any)  { Global().Info(msg, args...) }
func Warn(msg string, args ...any)  { Global().Warn(msg, args...) }
func Error(msg string, args ...any) { Global().Error(msg, args...) }
func Debug(msg string, args ...any) { Global().Debug(msg, args...) }

// LogAttr creates a slog.Attr from a key and value (convenience helper).
func LogAttr(key string, value interface{}) slog.Attr {
	return slog.Any(key, value)
}
