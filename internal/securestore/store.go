// Package securestore is the key-value collaborator behind every persisted
// secret. Backends are treated as at-rest-secure but never trusted alone:
// callers layer their own authenticated encryption on top.
package securestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/TheMichaelB/walletguard/internal/models"
)

// Store is a secure key-value store.
type Store interface {
	// Read returns the value for key, or ErrNotFound.
	Read(ctx context.Context, key string) (string, error)

	// Write stores value under key. Sensitive values get the strictest
	// protection the backend offers.
	Write(ctx context.Context, key, value string, sensitive bool) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// Lister is implemented by stores that can enumerate keys.
type Lister interface {
	// Keys returns the sorted keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ListStore is a Store that can enumerate keys.
type ListStore interface {
	Store
	Lister
}

// Batcher is implemented by stores that apply several operations atomically.
type Batcher interface {
	Apply(ctx context.Context, ops []Op) error
}

// Errors
var (
	ErrNotFound = errors.New("key not found")
	ErrLocked   = errors.New("key is locked")
	ErrCorrupt  = errors.New("stored value is corrupt")
	ErrClosed   = errors.New("store is closed")
)

// OpKind distinguishes batch operations.
type OpKind int

const (
	OpWrite OpKind = iota
	OpDelete
)

// Op is one write or delete in a batch.
type Op struct {
	Kind      OpKind
	Key       string
	Value     string
	Sensitive bool
}

// WriteOp builds a write operation.
func WriteOp(key, value string, sensitive bool) Op {
	return Op{Kind: OpWrite, Key: key, Value: value, Sensitive: sensitive}
}

// DeleteOp builds a delete operation.
func DeleteOp(key string) Op {
	return Op{Kind: OpDelete, Key: key}
}

func (o Op) String() string {
	if o.Kind == OpDelete {
		return "delete " + o.Key
	}
	return "write " + o.Key
}

// ReadOptional reads key and reports whether it exists. ErrNotFound is
// folded into found=false.
func ReadOptional(ctx context.Context, s Store, key string) (value string, found bool, err error) {
	value, err = s.Read(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Migrate copies every key under prefix from src to dst and returns the
// number of keys copied.
func Migrate(ctx context.Context, src ListStore, dst Store, prefix string) (int, error) {
	keys, err := src.Keys(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}

	copied := 0
	for _, key := range keys {
		value, found, err := ReadOptional(ctx, src, key)
		if err != nil {
			return copied, fmt.Errorf("read %s: %w", key, err)
		}
		if !found {
			continue
		}
		if err := dst.Write(ctx, key, value, IsSensitiveKey(key)); err != nil {
			return copied, fmt.Errorf("write %s: %w", key, err)
		}
		copied++
	}

	return copied, nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("empty key")
	}
	return nil
}

func wrap(op, key string, err error) error {
	return models.WrapStorage(op, key, err)
}
