package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/example/giftcard-fulfillment/internal/infrastructure/store"
)

// Aggregate defines the interface for event-sourced aggregates
type Aggregate interface {
	GetID() string
	GetVersion() int
	SetVersion(int)
	ApplyEvent(store.Event) error
}

// LoadAggregate rebuilds an aggregate from its latest snapshot plus the events
// recorded after it. The boolean reports whether anything was found.
func LoadAggregate[T Aggregate](
	ctx context.Context,
	eventStore store.EventStoreInterface,
	id string,
	newAggregate func() T,
) (T, bool, error) {
	var zero T
	agg := newAggregate()

	snapshot, err := eventStore.GetSnapshot(ctx, id)
	if err != nil {
		return zero, false, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var events []store.Event
	if snapshot != nil {
		if err := json.Unmarshal(snapshot.State, agg); err != nil {
			return zero, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		agg.SetVersion(snapshot.Version)
		events, err = eventStore.GetEventsFromVersion(ctx, id, snapshot.Version)
	} else {
		events, err = eventStore.GetEvents(ctx, id)
	}
	if err != nil {
		return zero, false, fmt.Errorf("failed to load events: %w", err)
	}

	for _, event := range events {
		if err := agg.ApplyEvent(event); err != nil {
			return zero, false, fmt.Errorf("failed to apply event: %w", err)
		}
	}

	return agg, snapshot != nil || len(events) > 0, nil
}

// Record appends an event for agg at its current version, applies the stored
// event to agg and snapshots when the threshold is crossed. A concurrent writer
// makes it fail with store.ErrConcurrencyConflict and leaves agg untouched.
func Record(
	ctx context.Context,
	eventStore store.EventStoreInterface,
	agg Aggregate,
	aggregateType, eventType string,
	data any,
) (*store.Event, error) {
	stored, err := eventStore.Append(ctx, agg.GetID(), aggregateType, eventType, data, agg.GetVersion())
	if err != nil {
		return nil, err
	}
	if err := agg.ApplyEvent(*stored); err != nil {
		return nil, fmt.Errorf("failed to apply %s: %w", eventType, err)
	}

	if err := MaybeCreateSnapshot(ctx, eventStore, agg, aggregateType); err != nil {
		log.Printf("[%s] Failed to create snapshot for %s: %v", aggregateType, agg.GetID(), err)
	}
	return stored, nil
}

// MaybeCreateSnapshot creates a snapshot if the threshold is exceeded
func MaybeCreateSnapshot(
	ctx context.Context,
	eventStore store.EventStoreInterface,
	agg Aggregate,
	aggregateType string,
) error {
	version := agg.GetVersion()
	if version == 0 || version%store.SnapshotThreshold != 0 {
		return nil
	}

	state, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("failed to marshal aggregate state: %w", err)
	}

	return eventStore.SaveSnapshot(ctx, &store.Snapshot{
		AggregateID:   agg.GetID(),
		AggregateType: aggregateType,
		Version:       version,
		State:         state,
		CreatedAt:     time.Now().UTC(),
	})
}
