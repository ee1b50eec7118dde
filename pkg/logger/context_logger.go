package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	TraceIDKey   ctxKey = "trace_id"
	PeerIDKey    ctxKey = "peer_id"
	RequestIDKey ctxKey = "request_id"
)

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext adds context fields to logger
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if peerID, ok := ctx.Value(PeerIDKey).(string); ok && peerID != "" {
		fields = append(fields, zap.String("peer_id", peerID))
	}
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// WithFields adds custom fields to logger
func (cl *ContextLogger) WithFields(fields ...zapcore.Field) *zap.Logger {
	return cl.logger.With(fields...)
}

// WithError adds error to logger
func (cl *ContextLogger) WithError(err error) *zap.Logger {
	return cl.logger.With(zap.Error(err))
}

// LogRequest logs an HTTP request with context
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, duration int64) {
	cl.WithContext(ctx).Info("http_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Int64("duration_ms", duration),
	)
}

// LogError logs an error with context
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	logger := cl.WithContext(ctx).With(zap.Error(err))
	allFields := append(fields, zap.String("message", message))
	logger.Error("error_occurred", allFields...)
}
