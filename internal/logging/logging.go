// Package logging is a thin structured-logging layer over slog. Modules log
// through the Logger interface so tests can swap in Noop and the HTTP layer
// can attach request-scoped attributes.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Field is one structured attribute.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field          { return Field{Key: key, Value: value} }
func Int(key string, value int) Field         { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }
func Any(key string, value any) Field         { return Field{Key: key, Value: value} }

// Err wraps an error as a field, tolerating nil.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Time is virtual simulation time in minutes.
func Time(minutes float64) Field { return Field{Key: "vtime", Value: minutes} }

// Logger is the structured logging surface used across the platform.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Config selects level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text
}

// New builds a slog-backed logger writing to stdout.
func New(cfg Config) Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return &slogger{l: slog.New(handler)}
}

// NewFromEnv builds a logger from MOBSIM_LOG_LEVEL and MOBSIM_LOG_FORMAT,
// defaulting to text at info level.
func NewFromEnv() Logger {
	return New(Config{
		Level:  os.Getenv("MOBSIM_LOG_LEVEL"),
		Format: os.Getenv("MOBSIM_LOG_FORMAT"),
	})
}

// Noop returns a logger that drops everything.
func Noop() Logger { return noop{} }

type slogger struct {
	l *slog.Logger
}

func (s *slogger) With(fields ...Field) Logger {
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, slog.Any(f.Key, f.Value))
	}
	return &slogger{l: s.l.With(args...)}
}

func (s *slogger) log(ctx context.Context, level slog.Level, msg string, fields []Field) {
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	s.l.LogAttrs(ctx, level, msg, attrs...)
}

func (s *slogger) Debug(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelDebug, msg, fields)
}

func (s *slogger) Info(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelInfo, msg, fields)
}

func (s *slogger) Warn(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelWarn, msg, fields)
}

func (s *slogger) Error(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelError, msg, fields)
}

type noop struct{}

func (noop) With(...Field) Logger                    { return noop{} }
func (noop) Debug(context.Context, string, ...Field) {}
func (noop) Info(context.Context, string, ...Field)  {}
func (noop) Warn(context.Context, string, ...Field)  {}
func (noop) Error(context.Context, string, ...Field) {}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(level) {
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

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stamps a request ID onto the context, generating one when
// absent, and returns a logger annotated with it.
func WithRequestID(ctx context.Context, base Logger) (context.Context, Logger) {
	if base == nil {
		base = Noop()
	}
	id := RequestID(ctx)
	if id == "" {
		id = uuid.NewString()
		ctx = context.WithValue(ctx, requestIDKey, id)
	}
	return ctx, base.With(String("request_id", id))
}

// RequestID returns the request ID carried by the context, if any.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
