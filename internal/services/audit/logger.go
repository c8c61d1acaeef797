// Package audit keeps the local security audit trail: a capped, encrypted
// where needed, queryable log of security events.
package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/walletguard/internal/crypto"
	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/metrics"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
)

const (
	DefaultMaxEntries = 1000
	DefaultRetention  = 90 * 24 * time.Hour

	// EncryptedPrefix marks a sealed metadata value.
	EncryptedPrefix = "enc:"
)

// ErrInvalidExport is returned for exports that cannot be opened.
var ErrInvalidExport = errors.New("invalid audit export")

// Option configures a Logger.
type Option func(*Logger)

// WithMaxEntries caps the number of retained entries.
func WithMaxEntries(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.maxEntries = n
		}
	}
}

// WithRetention sets the age after which PurgeOldLogs drops entries.
func WithRetention(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.retention = d
		}
	}
}

// WithMetrics counts recorded events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// Logger is the security audit logger.
type Logger struct {
	store   securestore.Store
	crypto  crypto.Provider
	logger  *events.Logger
	metrics *metrics.Metrics

	maxEntries int
	retention  time.Duration
	now        func() time.Time

	// mu serialises the read-modify-write cycle on the stored log.
	mu sync.Mutex
}

// NewLogger creates an audit logger.
func NewLogger(store securestore.Store, provider crypto.Provider, logger *events.Logger, opts ...Option) *Logger {
	l := &Logger{
		store:      store,
		crypto:     provider,
		logger:     logger.WithField("service", "audit"),
		maxEntries: DefaultMaxEntries,
		retention:  DefaultRetention,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log records an event. Failures are logged, never returned.
func (l *Logger) Log(ctx context.Context, eventType models.AuditEventType, metadata map[string]string) {
	if _, err := l.Record(ctx, eventType, metadata, nil); err != nil {
		l.logger.WithError(err).WithField("event_type", string(eventType)).Error("Failed to record audit event")
	}
}

// LogError records an event with the error message and a stack trace.
func (l *Logger) LogError(ctx context.Context, eventType models.AuditEventType, cause error, metadata map[string]string) {
	if _, err := l.Record(ctx, eventType, metadata, cause); err != nil {
		l.logger.WithError(err).WithField("event_type", string(eventType)).Error("Failed to record audit event")
	}
}

// Record builds, stores and returns an entry.
func (l *Logger) Record(ctx context.Context, eventType models.AuditEventType, metadata map[string]string, cause error) (*models.AuditLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := l.newEntry(ctx, eventType, metadata, cause)
	if err != nil {
		return nil, err
	}

	entries := l.load(ctx)
	entries = append(entries, *entry)
	if err := l.save(ctx, entries); err != nil {
		return nil, err
	}

	l.metrics.AuditEvent(string(entry.Severity), string(entry.Category))
	l.logger.WithFields(map[string]interface{}{
		"event_type": string(entry.EventType),
		"severity":   string(entry.Severity),
	}).Debug("Audit event recorded")

	return entry, nil
}

func (l *Logger) newEntry(ctx context.Context, eventType models.AuditEventType, metadata map[string]string, cause error) (*models.AuditLogEntry, error) {
	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	if !eventType.Known() {
		md["originalType"] = string(eventType)
		eventType = models.EventUnknown
	}

	entry := &models.AuditLogEntry{
		ID:        uuid.NewString(),
		Timestamp: l.now().UTC(),
		EventType: eventType,
		Severity:  eventType.Severity(),
		Category:  eventType.Category(),
	}

	if cause != nil {
		entry.ErrorMessage = cause.Error()
		entry.StackTrace = string(debug.Stack())
	}

	if models.HasSensitiveKeys(md) {
		sealed, err := l.sealMetadata(ctx, md)
		if err != nil {
			return nil, fmt.Errorf("seal audit metadata: %w", err)
		}
		md = sealed
		entry.IsEncrypted = true
	}
	if len(md) > 0 {
		entry.Metadata = md
	}

	return entry, nil
}

// load returns stored entries. Corrupt data counts as empty.
func (l *Logger) load(ctx context.Context) []models.AuditLogEntry {
	raw, found, err := securestore.ReadOptional(ctx, l.store, securestore.KeyAuditLogs)
	if err != nil {
		l.logger.WithError(err).Warn("Failed to read audit log, treating as empty")
		return nil
	}
	if !found || raw == "" {
		return nil
	}

	var entries []models.AuditLogEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		l.logger.WithError(err).Warn("Audit log is corrupt, treating as empty")
		return nil
	}
	return entries
}

// save sorts newest first, applies the cap and writes the log and index
// together.
func (l *Logger) save(ctx context.Context, entries []models.AuditLogEntry) error {
	sortNewestFirst(entries)
	if len(entries) > l.maxEntries {
		entries = entries[:l.maxEntries]
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal audit log: %w", err)
	}

	index := models.AuditLogIndex{
		Count:     len(entries),
		UpdatedAt: l.now().UTC(),
	}
	if len(entries) > 0 {
		index.Newest = entries[0].Timestamp
		index.Oldest = entries[len(entries)-1].Timestamp
	}
	indexData, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("marshal audit index: %w", err)
	}

	return securestore.Apply(ctx, l.store,
		securestore.WriteOp(securestore.KeyAuditLogs, string(data), false),
		securestore.WriteOp(securestore.KeyAuditLogIndex, string(indexData), false),
	)
}

// Index returns the stored index document.
func (l *Logger) Index(ctx context.Context) (*models.AuditLogIndex, error) {
	raw, found, err := securestore.ReadOptional(ctx, l.store, securestore.KeyAuditLogIndex)
	if err != nil {
		return nil, err
	}
	index := &models.AuditLogIndex{}
	if !found {
		return index, nil
	}
	if err := json.Unmarshal([]byte(raw), index); err != nil {
		l.logger.WithError(err).Warn("Audit index is corrupt")
		return &models.AuditLogIndex{}, nil
	}
	return index, nil
}

// PurgeOldLogs drops entries older than the retention period and returns
// how many were removed.
func (l *Logger) PurgeOldLogs(ctx context.Context) (int, error) {
	cutoff := l.now().Add(-l.retention)

	l.mu.Lock()
	entries := l.load(ctx)
	kept := entries[:0]
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(entries) - len(kept)

	var err error
	if removed > 0 {
		err = l.save(ctx, kept)
	}
	l.mu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("purge audit log: %w", err)
	}
	if removed > 0 {
		l.Log(ctx, models.EventLogsPurged, map[string]string{"count": fmt.Sprint(removed)})
	}
	return removed, nil
}

// ClearLogs removes every entry and the index.
func (l *Logger) ClearLogs(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := securestore.Apply(ctx, l.store,
		securestore.DeleteOp(securestore.KeyAuditLogs),
		securestore.DeleteOp(securestore.KeyAuditLogIndex),
	)
	if err != nil {
		return fmt.Errorf("clear audit log: %w", err)
	}
	return nil
}

// ExportLogs seals the entries in [from, to] under a key derived from pin
// and returns the Base64 export document.
func (l *Logger) ExportLogs(ctx context.Context, from, to time.Time, pin string) (string, error) {
	entries, err := l.GetLogs(ctx, Query{From: from, To: to})
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal export: %w", err)
	}

	salt, err := l.crypto.GenerateSalt()
	if err != nil {
		return "", fmt.Errorf("export audit log: %w", err)
	}
	key, err := l.crypto.DeriveKeyFromEncodedSalt(pin, salt)
	if err != nil {
		return "", fmt.Errorf("export audit log: %w", err)
	}
	defer wipe(key)

	sealed, err := l.crypto.Encrypt(data, key)
	if err != nil {
		return "", fmt.Errorf("export audit log: %w", err)
	}

	doc, err := json.Marshal(models.AuditExport{
		Version:   models.AuditExportVersion,
		Salt:      salt,
		Data:      sealed,
		Timestamp: l.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal export: %w", err)
	}

	l.Log(ctx, models.EventLogsExported, map[string]string{"count": fmt.Sprint(len(entries))})
	return base64.StdEncoding.EncodeToString(doc), nil
}

// ImportExport opens an export produced by ExportLogs.
func (l *Logger) ImportExport(export, pin string) ([]models.AuditLogEntry, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(export))
	if err != nil {
		return nil, invalidExport(err)
	}

	var doc models.AuditExport
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, invalidExport(err)
	}
	if doc.Version != models.AuditExportVersion {
		return nil, invalidExport(fmt.Errorf("unsupported version %q", doc.Version))
	}

	key, err := l.crypto.DeriveKeyFromEncodedSalt(pin, doc.Salt)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	plaintext, err := l.crypto.Decrypt(doc.Data, key)
	if err != nil {
		return nil, err
	}

	var entries []models.AuditLogEntry
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, invalidExport(err)
	}
	return entries, nil
}

func invalidExport(err error) error {
	return &models.CryptoError{
		Op:     "import audit export",
		Reason: models.ReasonInvalidPayload,
		Err:    fmt.Errorf("%w: %v", ErrInvalidExport, err),
	}
}

func sortNewestFirst(entries []models.AuditLogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
}
