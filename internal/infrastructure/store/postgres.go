package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// Schema creates every table the Postgres backends use.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id             UUID PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	data           JSONB NOT NULL,
	version        INTEGER NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS events_created_at_idx ON events (created_at);

CREATE TABLE IF NOT EXISTS snapshots (
	aggregate_id   TEXT PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	version        INTEGER NOT NULL,
	state          JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory_items (
	id               UUID PRIMARY KEY,
	listing_id       TEXT NOT NULL,
	company_id       TEXT NOT NULL,
	denomination     BIGINT NOT NULL,
	secret           TEXT NOT NULL,
	code_fingerprint TEXT NOT NULL UNIQUE,
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ,
	reserved_at      TIMESTAMPTZ,
	order_id         TEXT NOT NULL DEFAULT '',
	sold_at          TIMESTAMPTZ,
	recipient        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS inventory_items_pool_idx
	ON inventory_items (company_id, listing_id, denomination, created_at, id) WHERE status = 'available';

CREATE TABLE IF NOT EXISTS listing_owners (
	listing_id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_endpoints (
	id                   UUID PRIMARY KEY,
	company_id           TEXT NOT NULL,
	url                  TEXT NOT NULL,
	secret               TEXT NOT NULL,
	events               TEXT[] NOT NULL,
	enabled              BOOLEAN NOT NULL,
	status               TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	success_count        BIGINT NOT NULL DEFAULT 0,
	failure_count        BIGINT NOT NULL DEFAULT 0,
	last_failure_reason  TEXT NOT NULL DEFAULT '',
	last_success_at      TIMESTAMPTZ,
	last_failure_at      TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS webhook_endpoints_company_idx ON webhook_endpoints (company_id);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id              UUID PRIMARY KEY,
	endpoint_id     UUID NOT NULL,
	event_id        TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	url             TEXT NOT NULL,
	payload         TEXT NOT NULL,
	response_status INTEGER NOT NULL DEFAULT 0,
	response_body   TEXT NOT NULL DEFAULT '',
	success         BOOLEAN NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	attempt         INTEGER NOT NULL,
	duration_ms     BIGINT NOT NULL,
	test            BOOLEAN NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS webhook_deliveries_endpoint_idx ON webhook_deliveries (endpoint_id, created_at DESC);

CREATE TABLE IF NOT EXISTS read_orders (
	id         TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS read_orders_company_idx ON read_orders (company_id);

CREATE TABLE IF NOT EXISTS read_customers (
	id         TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// EnsureSchema applies Schema. Every statement is idempotent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
