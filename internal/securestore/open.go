package securestore

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/walletguard/internal/events"
)

// Open creates the backend named by kind at path. For dynamodb, path is
// the table name.
func Open(kind, path string, logger *events.Logger) (ListStore, error) {
	switch kind {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(path, logger)
	case "sqlite":
		return NewSQLiteStore(path, logger)
	case "bolt":
		return NewBoltStore(path, logger)
	case "dynamodb":
		return NewDynamoStore(context.Background(), path, logger)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", kind)
	}
}
