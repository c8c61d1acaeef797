package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
)

// Ledger keeps this device's copy of every synced payload, one key per
// record, so a later run has something to reconcile against.
type Ledger struct {
	store  securestore.ListStore
	logger *events.Logger
}

// NewLedger creates a ledger over store.
func NewLedger(store securestore.ListStore, logger *events.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.WithComponent("sync_ledger"),
	}
}

// Put stores p, replacing the previous copy.
func (l *Ledger) Put(ctx context.Context, p *models.SyncPayload) error {
	if err := ValidatePayload(p); err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return l.store.Write(ctx, securestore.SyncLocalKey(string(p.DataType), p.ID), string(data), false)
}

// Get returns the local copy of a record.
func (l *Ledger) Get(ctx context.Context, dataType models.DataType, id string) (*models.SyncPayload, bool, error) {
	key := securestore.SyncLocalKey(string(dataType), id)
	raw, found, err := securestore.ReadOptional(ctx, l.store, key)
	if err != nil || !found {
		return nil, false, err
	}

	var p models.SyncPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, false, models.WrapStorage("read", key, fmt.Errorf("%w: %v", securestore.ErrCorrupt, err))
	}
	return &p, true, nil
}

// List returns the local copies of dataType, oldest first. Unreadable
// entries are skipped.
func (l *Ledger) List(ctx context.Context, dataType models.DataType) ([]*models.SyncPayload, error) {
	keys, err := l.store.Keys(ctx, securestore.SyncLocalPrefix(string(dataType)))
	if err != nil {
		return nil, fmt.Errorf("list local payloads: %w", err)
	}

	out := make([]*models.SyncPayload, 0, len(keys))
	for _, key := range keys {
		raw, found, err := securestore.ReadOptional(ctx, l.store, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}

		var p models.SyncPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil || ValidatePayload(&p) != nil {
			l.logger.WithField("key", key).Warn("Skipping unreadable local payload")
			continue
		}
		out = append(out, &p)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Delete removes a local copy.
func (l *Ledger) Delete(ctx context.Context, dataType models.DataType, id string) error {
	return l.store.Delete(ctx, securestore.SyncLocalKey(string(dataType), id))
}

// Adopt stores every accepted remote version from a sync result.
func (l *Ledger) Adopt(ctx context.Context, result *Result) error {
	if result == nil {
		return nil
	}

	ops := make([]securestore.Op, 0, len(result.Accepted))
	for _, p := range result.Accepted {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal payload %s: %w", p.ID, err)
		}
		ops = append(ops, securestore.WriteOp(securestore.SyncLocalKey(string(p.DataType), p.ID), string(data), false))
	}
	if len(ops) == 0 {
		return nil
	}

	if err := securestore.Apply(ctx, l.store, ops...); err != nil {
		return fmt.Errorf("adopt remote payloads: %w", err)
	}

	l.logger.WithFields(map[string]interface{}{
		"data_type": result.DataType,
		"adopted":   len(ops),
	}).Debug("Adopted remote payloads")
	return nil
}
