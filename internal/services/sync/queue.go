package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
)

type queuedPayload struct {
	Payload  *models.SyncPayload `json:"payload"`
	QueuedAt time.Time           `json:"queuedAt"`
	Attempts int                 `json:"attempts"`
}

// OfflineQueue holds payloads whose upload failed, oldest first.
type OfflineQueue struct {
	store  securestore.Store
	logger *events.Logger
	now    func() time.Time

	mu      sync.Mutex
	maxSize int
}

// NewOfflineQueue creates a queue capped at maxSize entries.
func NewOfflineQueue(store securestore.Store, maxSize int, logger *events.Logger) *OfflineQueue {
	if maxSize <= 0 {
		maxSize = models.DefaultSyncConfig("").MaxOfflineQueueSize
	}
	return &OfflineQueue{
		store:   store,
		logger:  logger.WithComponent("offline_queue"),
		now:     time.Now,
		maxSize: maxSize,
	}
}

// SetMaxSize changes the cap. Excess entries are dropped on the next
// Enqueue.
func (q *OfflineQueue) SetMaxSize(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.maxSize = n
	q.mu.Unlock()
}

// Enqueue adds p, replacing any queued payload with the same id. When the
// queue is full the oldest entries are dropped and their ids returned.
func (q *OfflineQueue) Enqueue(ctx context.Context, p *models.SyncPayload) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	if err != nil {
		return nil, err
	}

	attempts := 0
	entries = slices.DeleteFunc(entries, func(e queuedPayload) bool {
		if e.Payload.ID == p.ID {
			attempts = e.Attempts
			return true
		}
		return false
	})
	entries = append(entries, queuedPayload{
		Payload:  p.Clone(),
		QueuedAt: q.now().UTC(),
		Attempts: attempts + 1,
	})

	var dropped []string
	for len(entries) > q.maxSize {
		dropped = append(dropped, entries[0].Payload.ID)
		entries = entries[1:]
	}
	if len(dropped) > 0 {
		q.logger.WithFields(map[string]interface{}{
			"dropped": dropped,
			"max":     q.maxSize,
		}).Warn("Offline queue full, dropped oldest payloads")
	}

	return dropped, q.save(ctx, entries)
}

// Items returns the queued payloads, oldest first.
func (q *OfflineQueue) Items(ctx context.Context) ([]*models.SyncPayload, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*models.SyncPayload, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Payload.Clone())
	}
	return out, nil
}

// Remove drops the given ids from the queue.
func (q *OfflineQueue) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	if err != nil {
		return err
	}
	entries = slices.DeleteFunc(entries, func(e queuedPayload) bool {
		return slices.Contains(ids, e.Payload.ID)
	})
	return q.save(ctx, entries)
}

// Len returns the number of queued payloads.
func (q *OfflineQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	return len(entries), err
}

// Clear empties the queue.
func (q *OfflineQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Delete(ctx, securestore.KeySyncOfflineQueue)
}

func (q *OfflineQueue) load(ctx context.Context) ([]queuedPayload, error) {
	raw, found, err := securestore.ReadOptional(ctx, q.store, securestore.KeySyncOfflineQueue)
	if err != nil {
		return nil, err
	}
	if !found || raw == "" {
		return nil, nil
	}

	var entries []queuedPayload
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, models.WrapStorage("read", securestore.KeySyncOfflineQueue, fmt.Errorf("%w: %v", securestore.ErrCorrupt, err))
	}
	return slices.DeleteFunc(entries, func(e queuedPayload) bool { return e.Payload == nil }), nil
}

func (q *OfflineQueue) save(ctx context.Context, entries []queuedPayload) error {
	if len(entries) == 0 {
		return q.store.Delete(ctx, securestore.KeySyncOfflineQueue)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal offline queue: %w", err)
	}
	return q.store.Write(ctx, securestore.KeySyncOfflineQueue, string(data), false)
}
