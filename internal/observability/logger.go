// Package observability provides structured logging for the Cairn service.
package observability

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a thin facade over zerolog. Field building happens on
// *zerolog.Event directly; the facade owns configuration, the service and
// component fields, and correlation-id propagation.
type Logger struct {
	zl zerolog.Logger
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level       string
	Format      string // json or console
	Output      io.Writer
	ServiceName string
}

// NewLogger builds a logger from config. The level is applied per logger,
// not globally, so a quiet embedded logger can coexist with a verbose one.
func NewLogger(cfg LogConfig) *Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	var w io.Writer = output
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(w).Level(level).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Logger()
	return &Logger{zl: zl}
}

// NopLogger returns a logger that discards everything. Used in tests where
// log output is noise.
func NopLogger() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Debug starts a debug-level event.
func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }

// Info starts an info-level event.
func (l *Logger) Info() *zerolog.Event { return l.zl.Info() }

// Warn starts a warn-level event.
func (l *Logger) Warn() *zerolog.Event { return l.zl.Warn() }

// Error starts an error-level event.
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// WithContext returns a logger carrying the request correlation id, if the
// context has one. Every log line produced for a request goes through this.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := CorrelationIDFromContext(ctx); id != "" {
		return l.WithField("correlation_id", id)
	}
	return l
}

// WithComponent returns a logger stamped with a component field.
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithField("component", name)
}

// WithField returns a logger with one extra string field on every line.
func (l *Logger) WithField(key, val string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, val).Logger()}
}

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// ContextWithCorrelationID stores the request correlation id on the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext reads the correlation id back, or "" when absent.
func CorrelationIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(correlationIDKey).(string); ok {
		return s
	}
	return ""
}
