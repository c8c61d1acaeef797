package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
)

// ErrInjected is returned by FaultyStore for failing keys.
var ErrInjected = errors.New("injected storage fault")

// MockStore mocks the securestore.Store interface.
type MockStore struct {
	mock.Mock
}

func NewMockStore() *MockStore {
	return &MockStore{}
}

func (m *MockStore) Read(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *MockStore) Write(ctx context.Context, key, value string, sensitive bool) error {
	args := m.Called(ctx, key, value, sensitive)
	return args.Error(0)
}

func (m *MockStore) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// FaultyStore wraps a store and fails chosen operations with a
// StorageError. It deliberately
// hides any Batcher of the wrapped store so batches take the sequential
// rollback path.
type FaultyStore struct {
	inner securestore.Store

	mu          sync.Mutex
	failWrites  map[string]int // key -> remaining failures, -1 = always
	failReads   map[string]bool
	failDeletes map[string]bool
	writes      []string
}

// NewFaultyStore wraps inner.
func NewFaultyStore(inner securestore.Store) *FaultyStore {
	return &FaultyStore{
		inner:       inner,
		failWrites:  make(map[string]int),
		failReads:   make(map[string]bool),
		failDeletes: make(map[string]bool),
	}
}

// FailWrite makes every write to key fail.
func (f *FaultyStore) FailWrite(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites[key] = -1
}

// FailWriteOnce makes only the next write to key fail.
func (f *FaultyStore) FailWriteOnce(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites[key] = 1
}

// FailRead makes reads of key fail.
func (f *FaultyStore) FailRead(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReads[key] = true
}

// FailDelete makes deletes of key fail.
func (f *FaultyStore) FailDelete(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDeletes[key] = true
}

// Heal clears every injected fault.
func (f *FaultyStore) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = make(map[string]int)
	f.failReads = make(map[string]bool)
	f.failDeletes = make(map[string]bool)
}

// Writes returns the keys written so far, in order.
func (f *FaultyStore) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *FaultyStore) Read(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	fail := f.failReads[key]
	f.mu.Unlock()
	if fail {
		return "", models.WrapStorage("read", key, ErrInjected)
	}
	return f.inner.Read(ctx, key)
}

func (f *FaultyStore) Write(ctx context.Context, key, value string, sensitive bool) error {
	f.mu.Lock()
	remaining, fail := f.failWrites[key]
	if fail {
		if remaining > 0 {
			remaining--
			if remaining == 0 {
				delete(f.failWrites, key)
			} else {
				f.failWrites[key] = remaining
			}
		}
		f.mu.Unlock()
		return models.WrapStorage("write", key, ErrInjected)
	}
	f.writes = append(f.writes, key)
	f.mu.Unlock()

	return f.inner.Write(ctx, key, value, sensitive)
}

func (f *FaultyStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	fail := f.failDeletes[key]
	f.mu.Unlock()
	if fail {
		return models.WrapStorage("delete", key, ErrInjected)
	}
	return f.inner.Delete(ctx, key)
}

func (f *FaultyStore) Close() error {
	return f.inner.Close()
}
