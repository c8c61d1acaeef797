package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TheMichaelB/walletguard/internal/models"
)

// MockRemote is an in-memory Remote for tests.
type MockRemote struct {
	mu sync.Mutex

	payloads map[string]*models.SyncPayload

	// Error injection
	PutError       error
	ListError      error
	DeleteError    error
	SubscribeError error

	// Request tracking
	PutRequests    []string
	ListRequests   []models.DataType
	DeleteRequests []string

	subscribers []mockSubscriber
	closed      bool
}

type mockSubscriber struct {
	ch        chan models.SyncPayload
	dataTypes map[models.DataType]bool
}

// NewMockRemote creates a mock remote.
func NewMockRemote() *MockRemote {
	return &MockRemote{
		payloads: make(map[string]*models.SyncPayload),
	}
}

// PutPayload stores a copy and notifies subscribers.
func (m *MockRemote) PutPayload(ctx context.Context, payload *models.SyncPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PutRequests = append(m.PutRequests, payload.ID)

	if m.PutError != nil {
		return m.PutError
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.payloads[payload.ID] = payload.Clone()

	for _, sub := range m.subscribers {
		if len(sub.dataTypes) > 0 && !sub.dataTypes[payload.DataType] {
			continue
		}
		select {
		case sub.ch <- *payload:
		default:
		}
	}
	return nil
}

// ListPayloads returns copies ordered by timestamp.
func (m *MockRemote) ListPayloads(ctx context.Context, dataType models.DataType, since time.Time) ([]*models.SyncPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListRequests = append(m.ListRequests, dataType)

	if m.ListError != nil {
		return nil, m.ListError
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*models.SyncPayload
	for _, p := range m.payloads {
		if p.DataType == dataType {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return changedSince(out, since), nil
}

// DeletePayload removes a payload.
func (m *MockRemote) DeletePayload(ctx context.Context, dataType models.DataType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteRequests = append(m.DeleteRequests, id)

	if m.DeleteError != nil {
		return m.DeleteError
	}
	if p, ok := m.payloads[id]; ok && p.DataType == dataType {
		delete(m.payloads, id)
	}
	return nil
}

// Subscribe registers a buffered subscriber closed when ctx ends.
func (m *MockRemote) Subscribe(ctx context.Context, dataTypes []models.DataType) (<-chan models.SyncPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubscribeError != nil {
		return nil, m.SubscribeError
	}

	sub := mockSubscriber{
		ch:        make(chan models.SyncPayload, 16),
		dataTypes: make(map[models.DataType]bool),
	}
	for _, d := range dataTypes {
		sub.dataTypes[d] = true
	}
	m.subscribers = append(m.subscribers, sub)

	go func() {
		<-ctx.Done()
		m.unsubscribe(sub.ch)
	}()

	return sub.ch, nil
}

func (m *MockRemote) unsubscribe(ch chan models.SyncPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscribers {
		if sub.ch == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Close closes every subscription.
func (m *MockRemote) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		for _, sub := range m.subscribers {
			close(sub.ch)
		}
		m.subscribers = nil
	}
	return nil
}

// Helper methods for test setup

// AddPayload seeds the remote without notifying subscribers.
func (m *MockRemote) AddPayload(p *models.SyncPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[p.ID] = p.Clone()
}

// Payload returns a copy of the stored payload.
func (m *MockRemote) Payload(id string) (*models.SyncPayload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payloads[id]
	return p.Clone(), ok
}

// Len returns the number of stored payloads.
func (m *MockRemote) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}

// SetPutError sets the error returned by PutPayload.
func (m *MockRemote) SetPutError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutError = err
}

// Puts returns the ids passed to PutPayload.
func (m *MockRemote) Puts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.PutRequests...)
}
