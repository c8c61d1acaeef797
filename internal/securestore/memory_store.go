package securestore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps values in memory. It is the injected store in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	values    map[string]string
	sensitive map[string]bool
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:    make(map[string]string),
		sensitive: make(map[string]bool),
	}
}

// Read returns the value for key.
func (s *MemoryStore) Read(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", wrap("read", key, ErrClosed)
	}
	value, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Write stores value under key.
func (s *MemoryStore) Write(ctx context.Context, key, value string, sensitive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return wrap("write", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrap("write", key, ErrClosed)
	}
	s.values[key] = value
	s.sensitive[key] = sensitive
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrap("delete", key, ErrClosed)
	}
	delete(s.values, key)
	delete(s.sensitive, key)
	return nil
}

// Apply applies ops atomically under one lock.
func (s *MemoryStore) Apply(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrap("apply", "", ErrClosed)
	}
	for _, op := range ops {
		if op.Kind == OpWrite {
			if err := validateKey(op.Key); err != nil {
				return wrap("apply", op.Key, err)
			}
		}
	}
	for _, op := range ops {
		switch op.Kind {
		case OpWrite:
			s.values[op.Key] = op.Value
			s.sensitive[op.Key] = op.Sensitive
		case OpDelete:
			delete(s.values, op.Key)
			delete(s.sensitive, op.Key)
		}
	}
	return nil
}

// Keys returns the sorted keys starting with prefix.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// IsSensitive reports the flag the key was last written with.
func (s *MemoryStore) IsSensitive(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sensitive[key]
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Snapshot returns a copy of the stored values.
func (s *MemoryStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
