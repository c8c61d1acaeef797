package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/TheMichaelB/walletguard/internal/config"
	"github.com/TheMichaelB/walletguard/internal/models"
)

// LogLevel represents logging severity.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Redacted replaces the value of any field on the sensitive deny-list.
const Redacted = "[REDACTED]"

// Logger provides structured logging.
type Logger struct {
	mu       *sync.Mutex
	level    LogLevel
	format   string
	output   io.Writer
	fields   map[string]interface{}
	hostname string
	color    bool
}

// NewLogger creates a logger from config.
func NewLogger(cfg *config.LogConfig) (*Logger, error) {
	level := parseLevel(cfg.Level)

	var output io.Writer = os.Stderr
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = file
	}

	hostname, _ := os.Hostname()

	return &Logger{
		mu:       &sync.Mutex{},
		level:    level,
		format:   cfg.Format,
		output:   output,
		fields:   make(map[string]interface{}),
		hostname: hostname,
		color:    cfg.Color && isTerminal(output),
	}, nil
}

// NewTestLogger creates a logger for testing.
func NewTestLogger(level LogLevel, format string, output io.Writer) *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		level:    level,
		format:   format,
		output:   output,
		fields:   make(map[string]interface{}),
		hostname: "test-host",
	}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return NewTestLogger(ErrorLevel+1, "text", io.Discard)
}

// WithField returns a logger with an additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = redact(k, v)
	}

	return &Logger{
		mu:       l.mu,
		level:    l.level,
		format:   l.format,
		output:   l.output,
		fields:   newFields,
		hostname: l.hostname,
		color:    l.color,
	}
}

// WithError adds an error field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// WithComponent tags the logger with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithField("component", name)
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string) {
	l.log(DebugLevel, msg)
}

// Info logs at info level.
func (l *Logger) Info(msg string) {
	l.log(InfoLevel, msg)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string) {
	l.log(WarnLevel, msg)
}

// Error logs at error level.
func (l *Logger) Error(msg string) {
	l.log(ErrorLevel, msg)
}

func (l *Logger) log(level LogLevel, msg string) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.buildEntry(level, msg)

	if l.format == "json" {
		l.writeJSON(entry)
	} else {
		l.writeText(entry)
	}
}

func (l *Logger) buildEntry(level LogLevel, msg string) map[string]interface{} {
	_, file, line, _ := runtime.Caller(3)
	if idx := strings.LastIndex(file, "/"); idx >= 0 {
		file = file[idx+1:]
	}

	entry := map[string]interface{}{
		"time":     time.Now().UTC().Format(time.RFC3339Nano),
		"level":    levelString(level),
		"msg":      msg,
		"hostname": l.hostname,
		"caller":   fmt.Sprintf("%s:%d", file, line),
	}

	for k, v := range l.fields {
		entry[k] = v
	}

	return entry
}

func (l *Logger) writeJSON(entry map[string]interface{}) {
	data, err := json.Marshal(entry)
	if err != nil {
		data, _ = json.Marshal(map[string]interface{}{
			"time":  entry["time"],
			"level": entry["level"],
			"msg":   entry["msg"],
			"error": "unserialisable log fields: " + err.Error(),
		})
	}
	data = append(data, '\n')
	_, _ = l.output.Write(data)
}

var levelColors = map[string]*color.Color{
	"DEBUG": color.New(color.FgCyan),
	"INFO":  color.New(color.FgGreen),
	"WARN":  color.New(color.FgYellow),
	"ERROR": color.New(color.FgRed),
}

// Format: TIME [LEVEL] Message key=value key=value
func (l *Logger) writeText(entry map[string]interface{}) {
	levelStr := strings.ToUpper(entry["level"].(string))
	label := "[" + levelStr + "]"
	if c, ok := levelColors[levelStr]; ok && l.color {
		label = c.Sprint(label)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s", entry["time"], label, entry["msg"])

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "time", "level", "msg", "hostname", "caller":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, entry[k])
	}

	sb.WriteString("\n")
	_, _ = io.WriteString(l.output, sb.String())
}

// redact hides values whose key is on the sensitive deny-list. Nested
// string maps are scrubbed too.
func redact(key string, value interface{}) interface{} {
	if models.IsSensitiveKey(key) {
		return Redacted
	}
	switch v := value.(type) {
	case map[string]string:
		scrubbed := make(map[string]string, len(v))
		for k, val := range v {
			if models.IsSensitiveKey(k) {
				val = Redacted
			}
			scrubbed[k] = val
		}
		return scrubbed
	case map[string]interface{}:
		scrubbed := make(map[string]interface{}, len(v))
		for k, val := range v {
			scrubbed[k] = redact(k, val)
		}
		return scrubbed
	}
	return value
}

// ParseLevel converts a config level name.
func ParseLevel(s string) LogLevel {
	return parseLevel(s)
}

func parseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func levelString(l LogLevel) string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}
