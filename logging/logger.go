package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel is a thin enum for user friendly level configuration decoupled from
// any concrete logger.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a LogLevel. Unknown names yield info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Logger defines the minimal logging interface for agentrelay.
// Args are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// Config selects and configures a logger implementation.
type Config struct {
	// Backend is one of slog, zerolog or zap. Empty means slog.
	Backend string
	Level   string
	// Format is json, text or console.
	Format string
	Output io.Writer
}

// New builds a Logger from a config.
func New(cfg Config) (Logger, error) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	level := ParseLevel(cfg.Level)

	switch strings.ToLower(cfg.Backend) {
	case "", "slog":
		opts := &slog.HandlerOptions{Level: slogLevel(level)}
		var handler slog.Handler
		if cfg.Format == "json" {
			handler = slog.NewJSONHandler(cfg.Output, opts)
		} else {
			handler = slog.NewTextHandler(cfg.Output, opts)
		}
		return NewSlogAdapter(slog.New(handler)), nil
	case "zerolog":
		return NewZerologLogger(cfg.Output, level, cfg.Format == "console" || cfg.Format == "text"), nil
	case "zap":
		return NewZapLogger(level, cfg.Format == "json")
	default:
		return nil, fmt.Errorf("unsupported log backend %q", cfg.Backend)
	}
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RelayLogger decorates a Logger with component, scope and backend context
// and offers dispatch specific helpers. It is cheap to copy via With* methods.
type RelayLogger struct {
	logger    Logger
	component string
	scope     string
	backend   string
	attrs     []any
}

// NewRelayLogger wraps base. A nil base discards everything.
func NewRelayLogger(base Logger) *RelayLogger {
	if base == nil {
		base = NoOpLogger{}
	}
	return &RelayLogger{logger: base}
}

func (l *RelayLogger) clone() *RelayLogger {
	nl := *l
	nl.attrs = append([]any(nil), l.attrs...)
	return &nl
}

// WithComponent sets the logical component (engine, bridge, backend, ...).
func (l *RelayLogger) WithComponent(c string) *RelayLogger {
	nl := l.clone()
	nl.component = c
	return nl
}

// WithScope attaches the scope key.
func (l *RelayLogger) WithScope(scope fmt.Stringer) *RelayLogger {
	nl := l.clone()
	nl.scope = scope.String()
	return nl
}

// WithBackend attaches the backend name.
func (l *RelayLogger) WithBackend(name string) *RelayLogger {
	nl := l.clone()
	nl.backend = name
	return nl
}

// WithContext adds a key/value attribute attached to every entry.
func (l *RelayLogger) WithContext(key string, value any) *RelayLogger {
	nl := l.clone()
	nl.attrs = append(nl.attrs, key, value)
	return nl
}

func (l *RelayLogger) build(args []any) []any {
	out := make([]any, 0, len(args)+len(l.attrs)+6)
	if l.component != "" {
		out = append(out, "component", l.component)
	}
	if l.scope != "" {
		out = append(out, "scope", l.scope)
	}
	if l.backend != "" {
		out = append(out, "backend", l.backend)
	}
	out = append(out, l.attrs...)
	return append(out, args...)
}

// Debug logs at debug level.
func (l *RelayLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, l.build(args)...) }

// Info logs at info level.
func (l *RelayLogger) Info(msg string, args ...any) { l.logger.Info(msg, l.build(args)...) }

// Warn logs at warn level.
func (l *RelayLogger) Warn(msg string, args ...any) { l.logger.Warn(msg, l.build(args)...) }

// Error logs at error level.
func (l *RelayLogger) Error(msg string, args ...any) { l.logger.Error(msg, l.build(args)...) }

// LogDispatch records the outcome of one adapter attempt.
func (l *RelayLogger) LogDispatch(backend string, attempt int, dur time.Duration, err error) {
	args := []any{"attempt_backend", backend, "attempt", attempt, "duration", dur, "success", err == nil}
	if err != nil {
		l.Error("Dispatch attempt failed", append(args, "error", err.Error())...)
		return
	}
	l.Info("Dispatch attempt completed", args...)
}

// LogApproval records a permission decision.
func (l *RelayLogger) LogApproval(requestID, tool, resolution string) {
	l.Info("Approval resolved", "request_id", requestID, "tool_name", tool, "resolution", resolution)
}

// StartTimer returns a closure that logs the elapsed duration when invoked.
func (l *RelayLogger) StartTimer(op string) func() {
	start := time.Now()
	return func() { l.Debug("Operation completed", "operation", op, "duration", time.Since(start)) }
}

type loggerContextKey struct{}

// IntoContext stores a Logger in ctx.
func IntoContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// FromContext returns the Logger stored in ctx or a NoOpLogger.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
		return l
	}
	return NoOpLogger{}
}

// NoOpLogger discards all log messages. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}

var (
	_ Logger = (*SlogAdapter)(nil)
	_ Logger = (*RelayLogger)(nil)
	_ Logger = NoOpLogger{}
)
