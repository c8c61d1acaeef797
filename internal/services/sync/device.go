package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/TheMichaelB/walletguard/internal/securestore"
)

// DeviceID returns this device's stable sync identity, creating a random
// one on first use. It names the last writer in conflicts and carries no
// authority.
func DeviceID(ctx context.Context, store securestore.Store) (string, error) {
	id, found, err := securestore.ReadOptional(ctx, store, securestore.KeySyncDeviceID)
	if err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	}
	if found && strings.TrimSpace(id) != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := store.Write(ctx, securestore.KeySyncDeviceID, id, false); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	return id, nil
}
