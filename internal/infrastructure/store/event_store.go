package store

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
}

// EventStore keeps events in memory and forwards them to a Publisher.
type EventStore struct {
	mu        sync.RWMutex
	events    map[string][]Event // aggregateID -> events
	snapshots map[string]*Snapshot
	publisher Publisher
}

// NewEventStore creates an in-memory event store. publisher may be nil.
func NewEventStore(publisher Publisher) *EventStore {
	return &EventStore{
		events:    make(map[string][]Event),
		snapshots: make(map[string]*Snapshot),
		publisher: publisher,
	}
}

// Append stores an event and publishes it
func (es *EventStore) Append(ctx context.Context, aggregateID, aggregateType, eventType string, data any, expectedVersion int) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	es.mu.Lock()
	current := len(es.events[aggregateID])
	if expectedVersion != AnyVersion && current != expectedVersion {
		es.mu.Unlock()
		return nil, ErrConcurrencyConflict
	}
	event := Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Timestamp:     time.Now().UTC(),
		Version:       current + 1,
	}
	es.events[aggregateID] = append(es.events[aggregateID], event)
	es.mu.Unlock()

	publish(ctx, es.publisher, event)
	return &event, nil
}

// GetEvents returns all events for an aggregate
func (es *EventStore) GetEvents(_ context.Context, aggregateID string) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return append([]Event(nil), es.events[aggregateID]...), nil
}

// GetEventsFromVersion returns events with a version greater than fromVersion
func (es *EventStore) GetEventsFromVersion(_ context.Context, aggregateID string, fromVersion int) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	var out []Event
	for _, e := range es.events[aggregateID] {
		if e.Version > fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetAllEvents returns all events ordered by timestamp
func (es *EventStore) GetAllEvents(_ context.Context) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	var all []Event
	for _, events := range es.events {
		all = append(all, events...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return all, nil
}

// SaveSnapshot replaces the stored snapshot for the aggregate
func (es *EventStore) SaveSnapshot(_ context.Context, snapshot *Snapshot) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	cp := *snapshot
	es.snapshots[snapshot.AggregateID] = &cp
	return nil
}

// GetSnapshot returns the latest snapshot or nil
func (es *EventStore) GetSnapshot(_ context.Context, aggregateID string) (*Snapshot, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	s, ok := es.snapshots[aggregateID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// publish forwards a committed event. The event is already durable, so a bus
// failure is logged and left to the projector's replay.
func publish(ctx context.Context, p Publisher, event Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, event.AggregateID, event); err != nil {
		log.Printf("[EventStore] publish %s/%s v%d failed: %v", event.AggregateType, event.EventType, event.Version, err)
	}
}
