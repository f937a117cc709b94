package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresEventStore stores events in PostgreSQL. The (aggregate_id,
// version) unique key arbitrates concurrent appends.
type PostgresEventStore struct {
	db        *sql.DB
	publisher Publisher
}

func NewPostgresEventStore(db *sql.DB, publisher Publisher) *PostgresEventStore {
	return &PostgresEventStore{
		db:        db,
		publisher: publisher,
	}
}

// Append stores an event in PostgreSQL and publishes it
func (es *PostgresEventStore) Append(ctx context.Context, aggregateID, aggregateType, eventType string, data any, expectedVersion int) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var currentVersion int
	err = es.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1",
		aggregateID,
	).Scan(&currentVersion)
	if err != nil {
		return nil, fmt.Errorf("read version of %s: %w", aggregateID, err)
	}
	if expectedVersion != AnyVersion && currentVersion != expectedVersion {
		return nil, ErrConcurrencyConflict
	}

	event := Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Timestamp:     time.Now().UTC(),
		Version:       currentVersion + 1,
	}

	_, err = es.db.ExecContext(ctx,
		`INSERT INTO events (id, aggregate_id, aggregate_type, event_type, data, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID,
		event.AggregateID,
		event.AggregateType,
		event.EventType,
		event.Data,
		event.Version,
		event.Timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConcurrencyConflict
		}
		return nil, fmt.Errorf("insert event: %w", err)
	}

	publish(ctx, es.publisher, event)
	return &event, nil
}

const eventColumns = `id, aggregate_id, aggregate_type, event_type, data, version, created_at`

func (es *PostgresEventStore) GetEvents(ctx context.Context, aggregateID string) ([]Event, error) {
	return es.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE aggregate_id = $1 ORDER BY version ASC`,
		aggregateID)
}

func (es *PostgresEventStore) GetEventsFromVersion(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error) {
	return es.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE aggregate_id = $1 AND version > $2 ORDER BY version ASC`,
		aggregateID, fromVersion)
}

func (es *PostgresEventStore) GetAllEvents(ctx context.Context) ([]Event, error) {
	return es.query(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY created_at ASC, version ASC`)
}

// GetEventsAfter returns events created after a specific time (for replay)
func (es *PostgresEventStore) GetEventsAfter(ctx context.Context, after time.Time) ([]Event, error) {
	return es.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE created_at > $1 ORDER BY created_at ASC, version ASC`,
		after)
}

func (es *PostgresEventStore) query(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := es.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Data, &e.Version, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (es *PostgresEventStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	_, err := es.db.ExecContext(ctx,
		`INSERT INTO snapshots (aggregate_id, aggregate_type, version, state, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (aggregate_id) DO UPDATE
		 SET aggregate_type = EXCLUDED.aggregate_type, version = EXCLUDED.version,
		     state = EXCLUDED.state, created_at = EXCLUDED.created_at
		 WHERE snapshots.version < EXCLUDED.version`,
		snapshot.AggregateID, snapshot.AggregateType, snapshot.Version, []byte(snapshot.State), snapshot.CreatedAt,
	)
	return err
}

// GetSnapshot returns the latest snapshot or nil
func (es *PostgresEventStore) GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	var s Snapshot
	var state []byte
	err := es.db.QueryRowContext(ctx,
		`SELECT aggregate_id, aggregate_type, version, state, created_at FROM snapshots WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&s.AggregateID, &s.AggregateType, &s.Version, &state, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.State = state
	return &s, nil
}
