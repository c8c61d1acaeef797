package testutil

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// LogEntry represents a captured log entry for testing
type LogEntry struct {
	Level   string                 `json:"level"`
	Message string                 `json:"msg"`
	Time    string                 `json:"time"`
	Fields  map[string]interface{} `json:"-"`
}

// LogOutput captures JSON log lines.
type LogOutput struct {
	mu      sync.RWMutex
	raw     strings.Builder
	entries []LogEntry
}

// NewLogOutput creates a new log output capturer.
func NewLogOutput() *LogOutput {
	return &LogOutput{}
}

// Write implements io.Writer to capture log output.
func (lo *LogOutput) Write(p []byte) (n int, err error) {
	lo.mu.Lock()
	defer lo.mu.Unlock()

	lo.raw.Write(p)

	var entry LogEntry
	if err := json.Unmarshal(p, &entry); err == nil {
		var fields map[string]interface{}
		_ = json.Unmarshal(p, &fields)
		entry.Fields = fields
		lo.entries = append(lo.entries, entry)
	}
	return len(p), nil
}

// Entries returns captured log entries.
func (lo *LogOutput) Entries() []LogEntry {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	entries := make([]LogEntry, len(lo.entries))
	copy(entries, lo.entries)
	return entries
}

// String returns everything written so far.
func (lo *LogOutput) String() string {
	lo.mu.RLock()
	defer lo.mu.RUnlock()
	return lo.raw.String()
}

// HasLevel checks if any log entry has the specified level.
func (lo *LogOutput) HasLevel(level string) bool {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	for _, entry := range lo.entries {
		if entry.Level == level {
			return true
		}
	}
	return false
}

// HasMessage checks if any log entry contains the message.
func (lo *LogOutput) HasMessage(message string) bool {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	for _, entry := range lo.entries {
		if strings.Contains(entry.Message, message) {
			return true
		}
	}
	return false
}

// Clear clears all captured entries.
func (lo *LogOutput) Clear() {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	lo.entries = nil
	lo.raw.Reset()
}

// TestContext returns a context bounded for a unit test.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// WaitForCondition polls condition until it holds or the timeout expires.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("Condition not met within %v: %s", timeout, message)
}

// SkipIfShort skips long-running tests in -short mode.
func SkipIfShort(t *testing.T, reason string) {
	if testing.Short() {
		t.Skipf("Skipping in short mode: %s", reason)
	}
}
