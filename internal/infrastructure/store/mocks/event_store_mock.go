package mocks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/example/giftcard-fulfillment/internal/infrastructure/store"
	"github.com/google/uuid"
)

// MockEventStore is a mock implementation of EventStoreInterface for testing
type MockEventStore struct {
	mu        sync.RWMutex
	events    map[string][]store.Event
	snapshots map[string]*store.Snapshot

	// For tracking calls in tests
	AppendCalls    []AppendCall
	AppendErr      error
	AppendCallback func(ctx context.Context, call AppendCall) error
	SnapshotSaves  int
}

// AppendCall records parameters passed to Append
type AppendCall struct {
	AggregateID     string
	AggregateType   string
	EventType       string
	Data            any
	ExpectedVersion int
}

// NewMockEventStore creates a new MockEventStore
func NewMockEventStore() *MockEventStore {
	return &MockEventStore{
		events:    make(map[string][]store.Event),
		snapshots: make(map[string]*store.Snapshot),
	}
}

// Append records the call and stores the event with the same version
// semantics as the real stores. AppendCallback runs before the version
// check, so a test can slip in a competing write.
func (m *MockEventStore) Append(ctx context.Context, aggregateID, aggregateType, eventType string, data any, expectedVersion int) (*store.Event, error) {
	call := AppendCall{
		AggregateID:     aggregateID,
		AggregateType:   aggregateType,
		EventType:       eventType,
		Data:            data,
		ExpectedVersion: expectedVersion,
	}

	m.mu.Lock()
	m.AppendCalls = append(m.AppendCalls, call)
	cb := m.AppendCallback
	appendErr := m.AppendErr
	m.mu.Unlock()

	if cb != nil {
		if err := cb(ctx, call); err != nil {
			return nil, err
		}
	}
	if appendErr != nil {
		return nil, appendErr
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := len(m.events[aggregateID])
	if expectedVersion != store.AnyVersion && expectedVersion != current {
		return nil, store.ErrConcurrencyConflict
	}
	event := store.Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Timestamp:     time.Now().UTC(),
		Version:       current + 1,
	}
	m.events[aggregateID] = append(m.events[aggregateID], event)
	return &event, nil
}

// GetEvents returns events for an aggregate
func (m *MockEventStore) GetEvents(_ context.Context, aggregateID string) ([]store.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]store.Event(nil), m.events[aggregateID]...), nil
}

// GetEventsFromVersion returns events newer than fromVersion
func (m *MockEventStore) GetEventsFromVersion(_ context.Context, aggregateID string, fromVersion int) ([]store.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []store.Event
	for _, e := range m.events[aggregateID] {
		if e.Version > fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetAllEvents returns all events
func (m *MockEventStore) GetAllEvents(_ context.Context) ([]store.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []store.Event
	for _, events := range m.events {
		all = append(all, events...)
	}
	return all, nil
}

func (m *MockEventStore) GetSnapshot(_ context.Context, aggregateID string) (*store.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshots[aggregateID], nil
}

func (m *MockEventStore) SaveSnapshot(_ context.Context, snapshot *store.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapshot.AggregateID] = snapshot
	m.SnapshotSaves++
	return nil
}

// Reset clears all events and recorded calls
func (m *MockEventStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = make(map[string][]store.Event)
	m.snapshots = make(map[string]*store.Snapshot)
	m.AppendCalls = nil
	m.AppendErr = nil
	m.AppendCallback = nil
	m.SnapshotSaves = 0
}

// EventTypes returns the event types recorded for an aggregate, oldest first
func (m *MockEventStore) EventTypes(aggregateID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	types := make([]string, 0, len(m.events[aggregateID]))
	for _, e := range m.events[aggregateID] {
		types = append(types, e.EventType)
	}
	return types
}

// AddEvent adds a single event for testing without recording an AppendCall
func (m *MockEventStore) AddEvent(aggregateID, aggregateType, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[aggregateID] = append(m.events[aggregateID], store.Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Timestamp:     time.Now().UTC(),
		Version:       len(m.events[aggregateID]) + 1,
	})
	return nil
}
