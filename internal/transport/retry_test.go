package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/walletguard/internal/events"
)

func newRetryClient(maxRetries int, delay time.Duration) *HTTPClient {
	var buf bytes.Buffer
	return &HTTPClient{
		maxRetries: maxRetries,
		retryDelay: delay,
		logger:     events.NewTestLogger(events.DebugLevel, "json", &buf),
	}
}

func TestRetryWithBackoff(t *testing.T) {
	attempts := 0
	startTime := time.Now()
	client := newRetryClient(3, 50*time.Millisecond)

	err := client.retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
	// Delays: 50ms then 100ms
	assert.GreaterOrEqual(t, time.Since(startTime), 150*time.Millisecond)
}

func TestRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	attempts := 0
	client := newRetryClient(5, 100*time.Millisecond)

	err := client.retry(ctx, func() error {
		attempts++
		return errors.New("error")
	})

	assert.Equal(t, context.DeadlineExceeded, err)
	assert.LessOrEqual(t, attempts, 3)
}

func TestRetryMaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	client := newRetryClient(2, 5*time.Millisecond)
	cause := errors.New("persistent error")

	err := client.retry(context.Background(), func() error {
		attempts++
		return cause
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, attempts) // maxRetries + 1
}

func TestRetryPermanentError(t *testing.T) {
	attempts := 0
	client := newRetryClient(3, 5*time.Millisecond)
	cause := errors.New("bad request")

	err := client.retry(context.Background(), func() error {
		attempts++
		return permanent(cause)
	})

	assert.Equal(t, cause, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryCancelledBeforeSecondAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	client := newRetryClient(3, 10*time.Millisecond)

	err := client.retry(ctx, func() error {
		attempts++
		return errors.New("some error")
	})

	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, 1, attempts)
}

func TestIsRetryableStatusCode(t *testing.T) {
	client := newRetryClient(0, 0)

	tests := []struct {
		status   int
		expected bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{404, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
		{599, true},
		{600, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			assert.Equal(t, tt.expected, client.isRetryable(tt.status))
		})
	}
}
