package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/metrics"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/transport"
)

// Engine reconciles one data type against the remote.
type Engine struct {
	remote   transport.Remote
	resolver *Resolver
	queue    *OfflineQueue
	logger   *events.Logger
	metrics  *metrics.Metrics
	audit    Auditor

	// Progress tracking
	progress atomic.Value // *Progress
	events   chan Event

	// Sync state
	mu           sync.Mutex
	syncing      bool
	cancelFn     context.CancelFunc
	eventsClosed bool
}

// Progress tracks a sync run.
type Progress struct {
	Phase     string
	DataType  models.DataType
	Total     int
	Processed int
	StartTime time.Time
	Errors    []error
}

// Event represents a sync event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	PayloadID string
	Conflict  *models.SyncConflict
	Error     error
	Progress  *Progress
}

// EventType defines sync event types.
type EventType string

const (
	EventStarted  EventType = "started"
	EventPushed   EventType = "pushed"
	EventQueued   EventType = "queued"
	EventAccepted EventType = "accepted"
	EventConflict EventType = "conflict"
	EventRejected EventType = "rejected"
	EventReceived EventType = "received"

	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Result summarises one sync run.
type Result struct {
	DataType models.DataType

	// Accepted holds remote versions the caller should adopt.
	Accepted []*models.SyncPayload

	// Pushed lists ids uploaded during the run.
	Pushed []string

	// Queued lists ids parked in the offline queue after a failed upload.
	Queued []string

	// Rejected lists ids the remote refused outright.
	Rejected []string

	// Conflicts holds every conflict decided during the run. Pending holds
	// the ones left for a manual decision.
	Conflicts []*models.SyncConflict
	Pending   []*models.SyncConflict

	Duration time.Duration
}

// NewEngine creates a sync engine.
func NewEngine(remote transport.Remote, resolver *Resolver, queue *OfflineQueue, logger *events.Logger) *Engine {
	return &Engine{
		remote:   remote,
		resolver: resolver,
		queue:    queue,
		logger:   logger.WithField("component", "sync_engine"),
		audit:    nopAuditor{},
		events:   make(chan Event, 100),
	}
}

// Events returns the event channel. It stays open until Close.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// GetProgress returns the progress of the current or last run.
func (e *Engine) GetProgress() *Progress {
	if p := e.progress.Load(); p != nil {
		return p.(*Progress)
	}
	return nil
}

// Sync reconciles local against the remote copies of dataType.
func (e *Engine) Sync(ctx context.Context, dataType models.DataType, local []*models.SyncPayload) (*Result, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, models.ErrSyncInProgress
	}
	e.syncing = true

	ctx, cancel := context.WithCancel(ctx)
	e.cancelFn = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.syncing = false
		e.cancelFn = nil
		e.mu.Unlock()
	}()

	progress := &Progress{
		Phase:     "initializing",
		DataType:  dataType,
		Total:     len(local),
		StartTime: time.Now(),
	}
	e.update(progress)

	e.logger.WithFields(map[string]interface{}{
		"data_type": dataType,
		"local":     len(local),
	}).Info("Starting sync")

	e.audit.Log(ctx, models.EventSyncStarted, map[string]string{
		"dataType": string(dataType),
		"local":    fmt.Sprintf("%d", len(local)),
	})
	e.emitEvent(Event{Type: EventStarted, Timestamp: time.Now(), Progress: e.GetProgress()})

	result, err := e.run(ctx, dataType, local, progress)
	if err != nil {
		e.metrics.SyncRun(string(dataType), outcomeOf(err))
		e.audit.Log(context.WithoutCancel(ctx), models.EventSyncFailed, map[string]string{
			"dataType": string(dataType),
			"error":    err.Error(),
		})
		return nil, e.handleError(err, progress)
	}

	result.Duration = time.Since(progress.StartTime)

	completed := *progress
	completed.Phase = "completed"
	e.progress.Store(&completed)

	e.metrics.SyncRun(string(dataType), "success")
	e.audit.Log(ctx, models.EventSyncCompleted, map[string]string{
		"dataType":  string(dataType),
		"accepted":  fmt.Sprintf("%d", len(result.Accepted)),
		"pushed":    fmt.Sprintf("%d", len(result.Pushed)),
		"queued":    fmt.Sprintf("%d", len(result.Queued)),
		"conflicts": fmt.Sprintf("%d", len(result.Conflicts)),
		"pending":   fmt.Sprintf("%d", len(result.Pending)),
	})
	e.emitEvent(Event{Type: EventCompleted, Timestamp: time.Now(), Progress: &completed})

	e.logger.WithFields(map[string]interface{}{
		"data_type": dataType,
		"duration":  result.Duration,
		"accepted":  len(result.Accepted),
		"pushed":    len(result.Pushed),
		"queued":    len(result.Queued),
		"pending":   len(result.Pending),
	}).Info("Sync completed")

	return result, nil
}

func (e *Engine) run(ctx context.Context, dataType models.DataType, local []*models.SyncPayload, progress *Progress) (*Result, error) {
	for _, p := range local {
		if p == nil || p.DataType != dataType {
			return nil, invalidPayload("sync", fmt.Errorf("local payload does not belong to %s", dataType))
		}
		if err := ValidatePayload(p); err != nil {
			return nil, err
		}
	}

	progress.Phase = "pulling"
	e.update(progress)
	remote, err := e.remote.ListPayloads(ctx, dataType, time.Time{})
	if err != nil {
		if errors.Is(err, models.ErrNetworkUnavailable) {
			e.parkAll(ctx, local)
		}
		return nil, &models.SyncError{Code: "PULL_FAILED", Phase: "pull", DataType: dataType, Err: err}
	}

	remoteByID := make(map[string]*models.SyncPayload, len(remote))
	for i, p := range remote {
		if p == nil {
			e.logger.WithField("index", i).Warn("Ignoring empty remote payload")
			progress.Errors = append(progress.Errors, fmt.Errorf("remote payload at %d: empty", i))
			continue
		}
		if err := ValidatePayload(p); err != nil || p.DataType != dataType {
			e.logger.WithField("payload_id", p.ID).Warn("Ignoring malformed remote payload")
			progress.Errors = append(progress.Errors, fmt.Errorf("remote payload %s: invalid", p.ID))
			continue
		}
		remoteByID[p.ID] = p
	}

	result := &Result{DataType: dataType}
	var toPush []*models.SyncPayload

	progress.Phase = "reconciling"
	e.update(progress)
	for _, l := range local {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r, ok := remoteByID[l.ID]
		delete(remoteByID, l.ID)

		switch {
		case !ok:
			toPush = append(toPush, l)
		case !DetectConflict(l, r):
			// Already in sync
		default:
			conflict, err := e.resolver.ResolveConflict(ctx, l, r, nil)
			if err != nil {
				return nil, err
			}
			result.Conflicts = append(result.Conflicts, conflict)
			e.emitEvent(Event{Type: EventConflict, Timestamp: time.Now(), PayloadID: l.ID, Conflict: conflict})

			switch conflict.Resolution {
			case models.ResolutionKeepLocal:
				toPush = append(toPush, l)
			case models.ResolutionKeepRemote:
				result.Accepted = append(result.Accepted, r)
			case models.ResolutionPending:
				result.Pending = append(result.Pending, conflict)
			}
		}
		progress.Processed++
		e.update(progress)
	}

	for _, r := range remoteByID {
		result.Accepted = append(result.Accepted, r)
	}
	sort.Slice(result.Accepted, func(i, j int) bool {
		a, b := result.Accepted[i], result.Accepted[j]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ID < b.ID
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	for _, r := range result.Accepted {
		e.emitEvent(Event{Type: EventAccepted, Timestamp: time.Now(), PayloadID: r.ID})
	}

	progress.Phase = "pushing"
	e.update(progress)
	for _, p := range toPush {
		if err := e.push(ctx, p, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// push uploads p. Transient failures park it in the offline queue and
// refusals are recorded; only cancellation aborts the run.
func (e *Engine) push(ctx context.Context, p *models.SyncPayload, result *Result) error {
	err := e.remote.PutPayload(ctx, p)
	switch {
	case err == nil:
		result.Pushed = append(result.Pushed, p.ID)
		if qerr := e.queue.Remove(ctx, p.ID); qerr != nil {
			e.logger.WithError(qerr).Warn("Failed to drop pushed payload from offline queue")
		}
		e.emitEvent(Event{Type: EventPushed, Timestamp: time.Now(), PayloadID: p.ID})
		return nil

	case ctx.Err() != nil:
		return ctx.Err()

	case isTransient(err):
		e.logger.WithError(err).WithField("payload_id", p.ID).Warn("Upload failed, queueing payload")
		if _, qerr := e.queue.Enqueue(ctx, p); qerr != nil {
			return fmt.Errorf("queue payload %s: %w", p.ID, qerr)
		}
		result.Queued = append(result.Queued, p.ID)
		e.emitEvent(Event{Type: EventQueued, Timestamp: time.Now(), PayloadID: p.ID, Error: err})
		return nil

	default:
		e.logger.WithError(err).WithField("payload_id", p.ID).Error("Remote rejected payload")
		result.Rejected = append(result.Rejected, p.ID)
		e.emitEvent(Event{Type: EventRejected, Timestamp: time.Now(), PayloadID: p.ID, Error: err})
		return nil
	}
}

func (e *Engine) parkAll(ctx context.Context, local []*models.SyncPayload) {
	for _, p := range local {
		if _, err := e.queue.Enqueue(ctx, p); err != nil {
			e.logger.WithError(err).WithField("payload_id", p.ID).Warn("Failed to queue payload")
		}
	}
}

// Flush retries every queued payload once. It returns the ids uploaded.
func (e *Engine) Flush(ctx context.Context) ([]string, error) {
	items, err := e.queue.Items(ctx)
	if err != nil {
		return nil, err
	}

	var (
		flushed  []string
		rejected []string
	)
	for _, p := range items {
		err := e.remote.PutPayload(ctx, p)
		switch {
		case err == nil:
			flushed = append(flushed, p.ID)
		case ctx.Err() != nil:
			return flushed, errors.Join(ctx.Err(), e.queue.Remove(context.WithoutCancel(ctx), flushed...))
		case isTransient(err):
			e.logger.WithError(err).WithField("payload_id", p.ID).Debug("Payload still cannot be uploaded")
		default:
			e.logger.WithError(err).WithField("payload_id", p.ID).Error("Remote rejected queued payload")
			rejected = append(rejected, p.ID)
		}
	}

	if err := e.queue.Remove(ctx, append(flushed, rejected...)...); err != nil {
		return flushed, err
	}

	e.logger.WithFields(map[string]interface{}{
		"flushed":  len(flushed),
		"rejected": len(rejected),
		"left":     len(items) - len(flushed) - len(rejected),
	}).Info("Offline queue flushed")
	return flushed, nil
}

// Cancel stops an ongoing sync.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelFn != nil {
		e.logger.Info("Cancelling sync")
		e.cancelFn()
	}
}

// Close closes the event channel.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.eventsClosed {
		close(e.events)
		e.eventsClosed = true
	}
}

// update publishes a snapshot so readers never share the live struct.
func (e *Engine) update(p *Progress) {
	snapshot := *p
	snapshot.Errors = slices.Clone(p.Errors)
	e.progress.Store(&snapshot)
}

func (e *Engine) emitEvent(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.eventsClosed {
		return
	}

	select {
	case e.events <- event:
	default:
		e.logger.Debug("Event channel full, dropping event")
	}
}

func (e *Engine) handleError(err error, progress *Progress) error {
	failed := *progress
	failed.Phase = "failed"
	failed.Errors = append(append([]error(nil), progress.Errors...), err)
	e.progress.Store(&failed)

	e.logger.WithError(err).WithField("data_type", progress.DataType).Error("Sync failed")
	e.emitEvent(Event{
		Type:      EventFailed,
		Timestamp: time.Now(),
		Error:     err,
		Progress:  &failed,
	})
	return err
}

// isTransient reports whether an upload may succeed later.
func isTransient(err error) bool {
	if errors.Is(err, models.ErrNetworkUnavailable) || errors.Is(err, models.ErrRateLimited) {
		return true
	}
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return false
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, models.ErrNetworkUnavailable):
		return "offline"
	case errors.Is(err, models.ErrSyncInProgress):
		return "busy"
	default:
		return "failure"
	}
}
