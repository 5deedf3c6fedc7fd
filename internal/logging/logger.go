// Package logging provides structured logging for the intent engine, built
// on logrus the way the teacher's pkg/logger and infrastructure/logging
// packages do.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ctxKey is the type for context keys carried through logger calls.
type ctxKey string

const (
	traceIDKey ctxKey = "trace_id"
	tenantKey  ctxKey = "tenant"
	intentKey  ctxKey = "intent_id"
)

// WithTraceID returns a context carrying a trace id for downstream logging
// and propagation into stage jobs and outbound webhook headers.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace id from ctx, or "" if absent.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// WithTenant returns a context carrying a tenant id for logging.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// WithIntent returns a context carrying an intent id for logging.
func WithIntent(ctx context.Context, intentID string) context.Context {
	return context.WithValue(ctx, intentKey, intentID)
}

// Logger wraps logrus.Logger with a fixed service field and context-aware
// field extraction.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a Logger. format is "json" or "text"; level is a logrus level
// name ("info", "debug", ...); unparsable values default to info/json.
func New(service, level, format string) *Logger {
	base := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	if strings.EqualFold(format, "text") {
		base.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	base.SetOutput(os.Stdout)

	return &Logger{Logger: base, service: service}
}

// NewFromEnv builds a Logger from LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext builds a logrus.Entry carrying service, trace id, tenant, and
// intent id fields found on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID := TraceID(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if tenant, ok := ctx.Value(tenantKey).(string); ok && tenant != "" {
		entry = entry.WithField("tenant", tenant)
	}
	if intentID, ok := ctx.Value(intentKey).(string); ok && intentID != "" {
		entry = entry.WithField("intent_id", intentID)
	}
	return entry
}

// Named returns a copy of the logger with a different service field,
// matching how each stage worker tags its own log lines.
func (l *Logger) Named(service string) *Logger {
	return &Logger{Logger: l.Logger, service: service}
}
