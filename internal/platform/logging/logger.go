// Package logging provides structured logging with trace ID support.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried by Logger helpers.
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
	RobotIDKey ContextKey = "robot_id"
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with fleet-specific helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv builds a logger from LOG_LEVEL/LOG_FORMAT, defaulting to info/json.
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

// SetOutput redirects logger output (tests redirect to a buffer).
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// WithContext creates an entry carrying trace/robot IDs found on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if robotID := ctx.Value(RobotIDKey); robotID != nil {
		entry = entry.WithField("robot_id", robotID)
	}
	return entry
}

// WithRobot creates an entry scoped to a robot_id without needing a context.
func (l *Logger) WithRobot(robotID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "robot_id": robotID})
}

// WithFields creates an entry with custom fields plus the service tag.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError creates an entry carrying err.Error().
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "error": err.Error()})
}

// NewTraceID generates a fresh trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRobotID attaches a robot_id to ctx.
func WithRobotID(ctx context.Context, robotID string) context.Context {
	return context.WithValue(ctx, RobotIDKey, robotID)
}

// GetRobotID retrieves a robot_id previously attached to ctx.
func GetRobotID(ctx context.Context) string {
	if v, ok := ctx.Value(RobotIDKey).(string); ok {
		return v
	}
	return ""
}

// LogIngestDrop logs a dropped/clamped ingestion message, rate-limited by
// the caller (see platform/ratelimit) to avoid log floods per §7.
func (l *Logger) LogIngestDrop(ctx context.Context, robotID, stream, reason string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"robot_id": robotID,
		"stream":   stream,
		"reason":   reason,
	}).Warn("ingestion message dropped")
}

// LogAlertTransition logs an alert state machine transition.
func (l *Logger) LogAlertTransition(ctx context.Context, robotID, metric, from, to string, value float64) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"robot_id": robotID,
		"metric":   metric,
		"from":     from,
		"to":       to,
		"value":    value,
	}).Info("alert state transition")
}

// LogAudit logs an audit-worthy event; callers also append an AuditLog row
// through the Entity Store — this is the in-process echo of that row.
func (l *Logger) LogAudit(ctx context.Context, category, message string, fields map[string]interface{}) {
	f := logrus.Fields{"category": category, "audit": true}
	for k, v := range fields {
		f[k] = v
	}
	l.WithContext(ctx).WithFields(f).Info(message)
}
