package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/giftcard-fulfillment/internal/readmodel"
)

// PostgresReadStore implements ReadStoreInterface using PostgreSQL. Each
// collection is a table of JSONB documents.
type PostgresReadStore struct {
	db *sql.DB
}

// NewPostgresReadStore creates a new PostgreSQL-based read store
func NewPostgresReadStore(db *sql.DB) *PostgresReadStore {
	return &PostgresReadStore{db: db}
}

type readCollection struct {
	table   string
	newItem func() any
	company func(any) string
}

var readCollections = map[string]readCollection{
	readmodel.CollectionOrders: {
		table:   "read_orders",
		newItem: func() any { return &readmodel.OrderReadModel{} },
		company: func(v any) string { return v.(*readmodel.OrderReadModel).CompanyID },
	},
	readmodel.CollectionCustomers: {
		table:   "read_customers",
		newItem: func() any { return &readmodel.CustomerReadModel{} },
		company: func(v any) string { return v.(*readmodel.CustomerReadModel).CompanyID },
	},
}

func collectionFor(name string) (readCollection, error) {
	c, ok := readCollections[name]
	if !ok {
		return readCollection{}, fmt.Errorf("unknown read collection %q", name)
	}
	return c, nil
}

// Set stores a read model
func (rs *PostgresReadStore) Set(ctx context.Context, collection, id string, data any) error {
	c, err := collectionFor(collection)
	if err != nil {
		return err
	}
	return rs.upsert(ctx, rs.db, c, id, data)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (rs *PostgresReadStore) upsert(ctx context.Context, db execer, c readCollection, id string, data any) error {
	doc, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO `+c.table+` (id, company_id, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			company_id = EXCLUDED.company_id,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`, id, c.company(data), doc)
	return err
}

// Get retrieves a read model by id
func (rs *PostgresReadStore) Get(ctx context.Context, collection, id string) (any, bool, error) {
	c, err := collectionFor(collection)
	if err != nil {
		return nil, false, err
	}
	var doc []byte
	err = rs.db.QueryRowContext(ctx, `SELECT data FROM `+c.table+` WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	item := c.newItem()
	if err := json.Unmarshal(doc, item); err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// GetAll retrieves all items in a collection
func (rs *PostgresReadStore) GetAll(ctx context.Context, collection string) ([]any, error) {
	c, err := collectionFor(collection)
	if err != nil {
		return nil, err
	}
	rows, err := rs.db.QueryContext(ctx, `SELECT data FROM `+c.table+` ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []any
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		item := c.newItem()
		if err := json.Unmarshal(doc, item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Delete removes a read model
func (rs *PostgresReadStore) Delete(ctx context.Context, collection, id string) error {
	c, err := collectionFor(collection)
	if err != nil {
		return err
	}
	_, err = rs.db.ExecContext(ctx, `DELETE FROM `+c.table+` WHERE id = $1`, id)
	return err
}

// Update modifies a read model using an update function. The row is locked
// for the duration so concurrent projectors do not lose updates.
func (rs *PostgresReadStore) Update(ctx context.Context, collection, id string, updateFn func(current any) any) (bool, error) {
	c, err := collectionFor(collection)
	if err != nil {
		return false, err
	}

	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT data FROM `+c.table+` WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	current := c.newItem()
	if err := json.Unmarshal(doc, current); err != nil {
		return false, err
	}
	if err := rs.upsert(ctx, tx, c, id, updateFn(current)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
