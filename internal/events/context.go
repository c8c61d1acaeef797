package events

import (
	"context"
	"os"
	"sync"
)

type contextKey int

const (
	loggerKey contextKey = iota
	requestIDKey
	deviceIDKey
	operationKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("request_id", id)
	ctx = context.WithValue(ctx, requestIDKey, id)
	return WithLogger(ctx, logger)
}

// WithDeviceID adds the sync device ID to context.
func WithDeviceID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("device_id", id)
	ctx = context.WithValue(ctx, deviceIDKey, id)
	return WithLogger(ctx, logger)
}

// WithOperation tags the context with the running operation.
func WithOperation(ctx context.Context, op string) context.Context {
	logger := FromContext(ctx).WithField("operation", op)
	ctx = context.WithValue(ctx, operationKey, op)
	return WithLogger(ctx, logger)
}

// GetRequestID retrieves request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetDeviceID retrieves the device ID from context.
func GetDeviceID(ctx context.Context) string {
	if id, ok := ctx.Value(deviceIDKey).(string); ok {
		return id
	}
	return ""
}

// GetOperation retrieves the operation name from context.
func GetOperation(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok {
		return op
	}
	return ""
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = &Logger{
		mu:     &sync.Mutex{},
		level:  InfoLevel,
		format: "text",
		output: os.Stderr,
		fields: make(map[string]interface{}),
	}
)

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}
