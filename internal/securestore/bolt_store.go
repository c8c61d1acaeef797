package securestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/TheMichaelB/walletguard/internal/events"
)

var itemsBucket = []byte("secure_items")

type boltRecord struct {
	Value     string    `json:"value"`
	Sensitive bool      `json:"sensitive"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BoltStore keeps values in a single bbolt bucket.
type BoltStore struct {
	db     *bbolt.DB
	logger *events.Logger
}

// NewBoltStore opens (or creates) a bbolt database at path.
func NewBoltStore(path string, logger *events.Logger) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, wrap("open", "", fmt.Errorf("create store directory: %w", err))
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: DefaultLockTimeout})
	if err != nil {
		return nil, wrap("open", "", fmt.Errorf("open bolt database: %w", err))
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(itemsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, wrap("open", "", fmt.Errorf("create bucket: %w", err))
	}

	return &BoltStore{
		db:     db,
		logger: logger.WithComponent("bolt_store"),
	}, nil
}

// Read returns the value for key.
func (s *BoltStore) Read(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var (
		record boltRecord
		found  bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(itemsBucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return nil
	})
	if err != nil {
		return "", wrap("read", key, err)
	}
	if !found {
		return "", ErrNotFound
	}
	return record.Value, nil
}

// Write stores value under key.
func (s *BoltStore) Write(ctx context.Context, key, value string, sensitive bool) error {
	return s.Apply(ctx, []Op{WriteOp(key, value, sensitive)})
}

// Delete removes key.
func (s *BoltStore) Delete(ctx context.Context, key string) error {
	return s.Apply(ctx, []Op{DeleteOp(key)})
}

// Apply runs ops in one bbolt transaction.
func (s *BoltStore) Apply(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(itemsBucket)
		for _, op := range ops {
			switch op.Kind {
			case OpWrite:
				if err := validateKey(op.Key); err != nil {
					return fmt.Errorf("%s: %w", op, err)
				}
				data, err := json.Marshal(boltRecord{
					Value:     op.Value,
					Sensitive: op.Sensitive,
					UpdatedAt: time.Now().UTC(),
				})
				if err != nil {
					return fmt.Errorf("%s: %w", op, err)
				}
				if err := bucket.Put([]byte(op.Key), data); err != nil {
					return fmt.Errorf("%s: %w", op, err)
				}
			case OpDelete:
				if err := bucket.Delete([]byte(op.Key)); err != nil {
					return fmt.Errorf("%s: %w", op, err)
				}
			default:
				return fmt.Errorf("unknown op kind %d", op.Kind)
			}
		}
		return nil
	})
	if err != nil {
		key := ""
		if len(ops) == 1 {
			key = ops[0].Key
		}
		return wrap("apply", key, err)
	}
	return nil
}

// Keys returns the sorted keys starting with prefix.
func (s *BoltStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(itemsBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list", prefix, err)
	}
	return keys, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
