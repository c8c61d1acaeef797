package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
)

// SaveSyncConfig validates and persists cfg under sync_config.
func SaveSyncConfig(ctx context.Context, store securestore.Store, cfg models.SyncConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal sync config: %w", err)
	}
	return store.Write(ctx, securestore.KeySyncConfig, string(data), false)
}

// LoadSyncConfig returns the persisted config. found is false when none
// has been saved.
func LoadSyncConfig(ctx context.Context, store securestore.Store) (cfg models.SyncConfig, found bool, err error) {
	raw, found, err := securestore.ReadOptional(ctx, store, securestore.KeySyncConfig)
	if err != nil || !found {
		return models.SyncConfig{}, false, err
	}

	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return models.SyncConfig{}, false, models.WrapStorage("read", securestore.KeySyncConfig, fmt.Errorf("%w: %v", securestore.ErrCorrupt, err))
	}
	if err := cfg.Validate(); err != nil {
		return models.SyncConfig{}, false, err
	}
	return cfg, true, nil
}
