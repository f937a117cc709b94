package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/giftcard-fulfillment/internal/domain/errs"
)

// AnyVersion disables the optimistic version check on Append.
const AnyVersion = -1

// ErrConcurrencyConflict is returned when an append carries a stale expected version.
var ErrConcurrencyConflict = fmt.Errorf("aggregate was modified concurrently: %w", errs.ErrConflict)

// ErrNotFound is returned by stores when a keyed record does not exist.
var ErrNotFound = fmt.Errorf("record: %w", errs.ErrNotFound)

// Publisher forwards stored events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, key string, v any) error
}

// EventStoreInterface defines the interface for event stores
type EventStoreInterface interface {
	// Append stores a new event. expectedVersion is the aggregate version the
	// caller based its decision on; pass AnyVersion to skip the check.
	Append(ctx context.Context, aggregateID, aggregateType, eventType string, data any, expectedVersion int) (*Event, error)
	GetEvents(ctx context.Context, aggregateID string) ([]Event, error)
	GetEventsFromVersion(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error)
	GetAllEvents(ctx context.Context) ([]Event, error)
	GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
}

// IsConflict reports whether err is an optimistic concurrency failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
