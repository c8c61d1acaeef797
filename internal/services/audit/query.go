package audit

import (
	"context"
	"slices"
	"time"

	"github.com/TheMichaelB/walletguard/internal/models"
)

// Query filters stored entries. Zero fields do not filter.
type Query struct {
	From       time.Time
	To         time.Time
	EventTypes []models.AuditEventType
	Severity   models.AuditSeverity
	Category   models.AuditCategory
	Limit      int
}

func (q Query) matches(e models.AuditLogEntry) bool {
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	if len(q.EventTypes) > 0 && !slices.Contains(q.EventTypes, e.EventType) {
		return false
	}
	if q.Severity != "" && e.Severity != q.Severity {
		return false
	}
	if q.Category != "" && e.Category != q.Category {
		return false
	}
	return true
}

// GetLogs returns matching entries, newest first.
func (l *Logger) GetLogs(ctx context.Context, q Query) ([]models.AuditLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	entries := l.load(ctx)
	l.mu.Unlock()

	sortNewestFirst(entries)

	out := make([]models.AuditLogEntry, 0, len(entries))
	for _, e := range entries {
		if !q.matches(e) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// GetLogsByCategory returns the newest entries of one category.
func (l *Logger) GetLogsByCategory(ctx context.Context, category models.AuditCategory, limit int) ([]models.AuditLogEntry, error) {
	return l.GetLogs(ctx, Query{Category: category, Limit: limit})
}

// GetCriticalEvents returns the newest critical entries.
func (l *Logger) GetCriticalEvents(ctx context.Context, limit int) ([]models.AuditLogEntry, error) {
	return l.GetLogs(ctx, Query{Severity: models.SeverityCritical, Limit: limit})
}

// GetStatistics aggregates entries in [from, to].
func (l *Logger) GetStatistics(ctx context.Context, from, to time.Time) (*models.AuditStatistics, error) {
	entries, err := l.GetLogs(ctx, Query{From: from, To: to})
	if err != nil {
		return nil, err
	}

	stats := models.NewAuditStatistics()
	for _, e := range entries {
		stats.Add(e)
	}
	return stats, nil
}
