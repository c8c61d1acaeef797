package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/walletguard/internal/config"
	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/models"
)

// ErrSubscribeUnsupported is returned by remotes without a change feed.
var ErrSubscribeUnsupported = errors.New("remote does not support subscriptions")

// Remote is the far side of the sync protocol. It only ever sees
// encrypted payloads.
type Remote interface {
	// PutPayload stores or replaces a payload by id.
	PutPayload(ctx context.Context, payload *models.SyncPayload) error

	// ListPayloads returns payloads of dataType changed after since. A zero
	// since lists everything.
	ListPayloads(ctx context.Context, dataType models.DataType, since time.Time) ([]*models.SyncPayload, error)

	// DeletePayload removes a payload. Absent payloads are not an error.
	DeletePayload(ctx context.Context, dataType models.DataType, id string) error

	// Subscribe streams payloads accepted by the remote until ctx ends.
	Subscribe(ctx context.Context, dataTypes []models.DataType) (<-chan models.SyncPayload, error)

	Close() error
}

// New creates the remote selected by cfg.Kind.
func New(ctx context.Context, cfg *config.RemoteConfig, serverURL, deviceID string, logger *events.Logger) (Remote, error) {
	switch cfg.Kind {
	case "", "http":
		if serverURL == "" {
			return nil, fmt.Errorf("%w: server url required for http remote", models.ErrInvalidConfig)
		}
		return NewHTTPClient(serverURL, cfg, deviceID, logger), nil
	case "s3":
		return NewS3Remote(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown remote kind %q", models.ErrInvalidConfig, cfg.Kind)
	}
}

// changedSince filters payloads by timestamp for remotes that cannot
// filter server side.
func changedSince(payloads []*models.SyncPayload, since time.Time) []*models.SyncPayload {
	if since.IsZero() {
		return payloads
	}
	out := payloads[:0]
	for _, p := range payloads {
		if p.Timestamp.After(since) {
			out = append(out, p)
		}
	}
	return out
}
