package events_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/walletguard/internal/events"
)

func TestFromContext(t *testing.T) {
	ctx := context.Background()

	// Should return default logger when none in context
	logger := events.FromContext(ctx)
	assert.NotNil(t, logger)
}

func TestWithLogger(t *testing.T) {
	ctx := context.Background()
	logger := events.Discard()

	ctx = events.WithLogger(ctx, logger)
	retrieved := events.FromContext(ctx)

	assert.Same(t, logger, retrieved)
}

func TestWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", events.GetRequestID(ctx))

	events.FromContext(ctx).Info("handled")
	assert.Contains(t, buf.String(), `"request_id":"req-123"`)
}

func TestWithDeviceIDAndOperation(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithDeviceID(ctx, "device-456")
	ctx = events.WithOperation(ctx, "sync")

	assert.Equal(t, "device-456", events.GetDeviceID(ctx))
	assert.Equal(t, "sync", events.GetOperation(ctx))

	events.FromContext(ctx).Info("run")
	assert.Contains(t, buf.String(), `"device_id":"device-456"`)
	assert.Contains(t, buf.String(), `"operation":"sync"`)
}

func TestContextGettersEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, events.GetRequestID(ctx))
	assert.Empty(t, events.GetDeviceID(ctx))
	assert.Empty(t, events.GetOperation(ctx))
}

func TestSetDefault(t *testing.T) {
	customLogger := events.Discard()
	events.SetDefault(customLogger)

	retrieved := events.FromContext(context.Background())

	assert.Same(t, customLogger, retrieved)
}
