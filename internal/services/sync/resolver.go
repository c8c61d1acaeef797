package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/metrics"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
)

// Auditor records security events. *audit.Logger satisfies it.
type Auditor interface {
	Log(ctx context.Context, eventType models.AuditEventType, metadata map[string]string)
}

type nopAuditor struct{}

func (nopAuditor) Log(context.Context, models.AuditEventType, map[string]string) {}

// Resolver decides between two versions of a record and keeps the queue
// of conflicts waiting for a manual decision.
type Resolver struct {
	store   securestore.Store
	logger  *events.Logger
	metrics *metrics.Metrics
	audit   Auditor
	now     func() time.Time

	mu              sync.Mutex
	defaultStrategy models.ConflictStrategy
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithDefaultStrategy sets the strategy used when none is given.
func WithDefaultStrategy(s models.ConflictStrategy) ResolverOption {
	return func(r *Resolver) { r.defaultStrategy = s }
}

// WithResolverAuditor records conflicts.
func WithResolverAuditor(a Auditor) ResolverOption {
	return func(r *Resolver) {
		if a != nil {
			r.audit = a
		}
	}
}

// WithResolverMetrics counts conflicts by resolution.
func WithResolverMetrics(m *metrics.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a conflict resolver.
func NewResolver(store securestore.Store, logger *events.Logger, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:           store,
		logger:          logger.WithField("service", "sync_resolver"),
		audit:           nopAuditor{},
		now:             time.Now,
		defaultStrategy: models.StrategyLastWriteWins,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDefaultStrategy replaces the default strategy.
func (r *Resolver) SetDefaultStrategy(s models.ConflictStrategy) {
	r.mu.Lock()
	r.defaultStrategy = s
	r.mu.Unlock()
}

// DetectConflict reports whether local and remote are diverging versions
// of the same record.
func DetectConflict(local, remote *models.SyncPayload) bool {
	if local == nil || remote == nil || local.ID != remote.ID {
		return false
	}
	return local.Checksum != remote.Checksum || local.Version != remote.Version
}

// AttemptAutoMerge never merges: payloads are opaque ciphertext.
func AttemptAutoMerge(local, remote *models.SyncPayload) (*models.SyncPayload, bool) {
	return nil, false
}

// ResolveConflict applies strategy (or the default when nil) to the two
// versions. Manual conflicts are queued and returned pending.
func (r *Resolver) ResolveConflict(ctx context.Context, local, remote *models.SyncPayload, strategy *models.ConflictStrategy) (*models.SyncConflict, error) {
	if local == nil || remote == nil {
		return nil, errors.New("resolve conflict: both versions are required")
	}
	if local.ID != remote.ID {
		return nil, fmt.Errorf("resolve conflict: payload ids differ: %s != %s", local.ID, remote.ID)
	}
	if local.DataType != remote.DataType {
		return nil, fmt.Errorf("resolve conflict: data types differ: %s != %s", local.DataType, remote.DataType)
	}

	r.mu.Lock()
	chosen := r.defaultStrategy
	r.mu.Unlock()
	if strategy != nil {
		chosen = *strategy
	}
	if !chosen.Valid() {
		return nil, fmt.Errorf("resolve conflict: %w: strategy %q", models.ErrInvalidConfig, chosen)
	}

	conflict := &models.SyncConflict{
		PayloadID:       local.ID,
		DataType:        local.DataType,
		LocalTimestamp:  local.Timestamp,
		RemoteTimestamp: remote.Timestamp,
		LocalPayload:    local.Clone(),
		RemotePayload:   remote.Clone(),
		DetectedAt:      r.now().UTC(),
	}

	switch chosen {
	case models.StrategyLastWriteWins:
		// Exact tie keeps the local copy
		if remote.Timestamp.After(local.Timestamp) {
			conflict.Resolution = models.ResolutionKeepRemote
		} else {
			conflict.Resolution = models.ResolutionKeepLocal
		}
	case models.StrategyLocalFirst:
		conflict.Resolution = models.ResolutionKeepLocal
	case models.StrategyRemoteFirst:
		conflict.Resolution = models.ResolutionKeepRemote
	case models.StrategyManual:
		conflict.Resolution = models.ResolutionPending
		if err := r.enqueue(ctx, conflict); err != nil {
			return nil, fmt.Errorf("resolve conflict: %w", err)
		}
	}

	r.metrics.SyncConflict(string(conflict.Resolution))
	r.audit.Log(ctx, models.EventSyncConflict, map[string]string{
		"payloadId":  conflict.PayloadID,
		"dataType":   string(conflict.DataType),
		"strategy":   string(chosen),
		"resolution": string(conflict.Resolution),
	})
	r.logger.WithFields(map[string]interface{}{
		"payload_id": conflict.PayloadID,
		"strategy":   string(chosen),
		"resolution": string(conflict.Resolution),
	}).Info("Conflict resolved")

	return conflict, nil
}

// PendingConflicts returns the conflicts awaiting a manual decision.
func (r *Resolver) PendingConflicts(ctx context.Context) ([]models.SyncConflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadQueue(ctx)
}

// ResolvePending settles a queued conflict and removes it from the queue.
func (r *Resolver) ResolvePending(ctx context.Context, payloadID string, resolution models.ConflictResolution) (*models.SyncConflict, error) {
	if resolution != models.ResolutionKeepLocal && resolution != models.ResolutionKeepRemote {
		return nil, fmt.Errorf("resolve pending: invalid resolution %q", resolution)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	queue, err := r.loadQueue(ctx)
	if err != nil {
		return nil, err
	}

	for i, c := range queue {
		if c.PayloadID != payloadID {
			continue
		}
		resolved := c
		resolved.Resolution = resolution

		queue = append(queue[:i], queue[i+1:]...)
		if err := r.saveQueue(ctx, queue); err != nil {
			return nil, err
		}

		r.metrics.SyncConflict(string(resolution))
		return &resolved, nil
	}

	return nil, fmt.Errorf("%w: %s", models.ErrConflictNotFound, payloadID)
}

// ClearPending drops every queued conflict.
func (r *Resolver) ClearPending(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Delete(ctx, securestore.KeySyncPendingConflicts); err != nil {
		return fmt.Errorf("clear pending conflicts: %w", err)
	}
	return nil
}

// enqueue adds or replaces the queued conflict for the payload id.
func (r *Resolver) enqueue(ctx context.Context, conflict *models.SyncConflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue, err := r.loadQueue(ctx)
	if err != nil {
		return err
	}

	replaced := false
	for i := range queue {
		if queue[i].PayloadID == conflict.PayloadID {
			queue[i] = *conflict
			replaced = true
			break
		}
	}
	if !replaced {
		queue = append(queue, *conflict)
	}
	return r.saveQueue(ctx, queue)
}

func (r *Resolver) loadQueue(ctx context.Context) ([]models.SyncConflict, error) {
	raw, found, err := securestore.ReadOptional(ctx, r.store, securestore.KeySyncPendingConflicts)
	if err != nil {
		return nil, err
	}
	if !found || raw == "" {
		return nil, nil
	}

	var queue []models.SyncConflict
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		return nil, models.WrapStorage("read", securestore.KeySyncPendingConflicts, fmt.Errorf("%w: %v", securestore.ErrCorrupt, err))
	}
	return queue, nil
}

func (r *Resolver) saveQueue(ctx context.Context, queue []models.SyncConflict) error {
	if len(queue) == 0 {
		return r.store.Delete(ctx, securestore.KeySyncPendingConflicts)
	}
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("marshal pending conflicts: %w", err)
	}
	return r.store.Write(ctx, securestore.KeySyncPendingConflicts, string(data), false)
}
