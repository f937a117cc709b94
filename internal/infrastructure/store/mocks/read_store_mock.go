package mocks

import (
	"context"
	"sync"
)

// MockReadStore is a mock implementation of ReadStoreInterface for testing.
// Setting Err makes every call fail with it.
type MockReadStore struct {
	mu   sync.RWMutex
	data map[string]map[string]any // collection -> id -> data

	Err error

	// For tracking calls in tests
	SetCalls    []SetCall
	UpdateCalls []UpdateCall
}

// SetCall records parameters passed to Set
type SetCall struct {
	Collection string
	ID         string
	Data       any
}

// UpdateCall records parameters passed to Update
type UpdateCall struct {
	Collection string
	ID         string
	Found      bool
}

// NewMockReadStore creates a new MockReadStore
func NewMockReadStore() *MockReadStore {
	return &MockReadStore{data: make(map[string]map[string]any)}
}

func (m *MockReadStore) Set(_ context.Context, collection, id string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	m.SetCalls = append(m.SetCalls, SetCall{Collection: collection, ID: id, Data: data})
	m.setLocked(collection, id, data)
	return nil
}

func (m *MockReadStore) Get(_ context.Context, collection, id string) (any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, false, m.Err
	}
	data, ok := m.data[collection][id]
	return data, ok, nil
}

func (m *MockReadStore) GetAll(_ context.Context, collection string) ([]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	items := make([]any, 0, len(m.data[collection]))
	for _, item := range m.data[collection] {
		items = append(items, item)
	}
	return items, nil
}

func (m *MockReadStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.data[collection], id)
	return nil
}

func (m *MockReadStore) Update(_ context.Context, collection, id string, updateFn func(current any) any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}

	current, ok := m.data[collection][id]
	m.UpdateCalls = append(m.UpdateCalls, UpdateCall{Collection: collection, ID: id, Found: ok})
	if !ok {
		return false, nil
	}
	m.data[collection][id] = updateFn(current)
	return true, nil
}

// Reset clears all data and recorded calls
func (m *MockReadStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]map[string]any)
	m.Err = nil
	m.SetCalls = nil
	m.UpdateCalls = nil
}

// SetData sets data directly for testing
func (m *MockReadStore) SetData(collection, id string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(collection, id, data)
}

// GetData gets data directly for testing (without recording the call)
func (m *MockReadStore) GetData(collection, id string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[collection][id]
	return data, ok
}

func (m *MockReadStore) setLocked(collection, id string, data any) {
	if m.data[collection] == nil {
		m.data[collection] = make(map[string]any)
	}
	m.data[collection][id] = data
}
