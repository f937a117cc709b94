package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/giftcard-fulfillment/internal/secrets"
	"github.com/example/giftcard-fulfillment/internal/webhook"
)

// PostgresWebhookStore persists endpoints and delivery records. Endpoint
// secrets are sealed at rest.
type PostgresWebhookStore struct {
	db     *sql.DB
	sealer *secrets.Sealer
}

func NewPostgresWebhookStore(db *sql.DB, sealer *secrets.Sealer) *PostgresWebhookStore {
	return &PostgresWebhookStore{db: db, sealer: sealer}
}

const endpointColumns = `id, company_id, url, secret, events, enabled, status, consecutive_failures,
	success_count, failure_count, last_failure_reason, last_success_at, last_failure_at, created_at, updated_at`

func (s *PostgresWebhookStore) CreateEndpoint(ctx context.Context, ep *webhook.Endpoint) error {
	sealed, err := s.sealer.SealString(ep.Secret)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhook_endpoints (id, company_id, url, secret, events, enabled, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ep.ID, ep.CompanyID, ep.URL, sealed, pq.Array(ep.Events), ep.Enabled, string(ep.Status), ep.CreatedAt, ep.UpdatedAt,
	)
	return err
}

func (s *PostgresWebhookStore) GetEndpoint(ctx context.Context, id string) (*webhook.Endpoint, error) {
	eps, err := s.queryEndpoints(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(eps) == 0 {
		return nil, webhook.ErrEndpointNotFound
	}
	return eps[0], nil
}

func (s *PostgresWebhookStore) ListEndpoints(ctx context.Context, companyID string) ([]*webhook.Endpoint, error) {
	return s.queryEndpoints(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE company_id = $1 ORDER BY created_at ASC`,
		companyID)
}

func (s *PostgresWebhookStore) UpdateEndpoint(ctx context.Context, id, url string, events []string, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE webhook_endpoints SET url = $2, events = $3, updated_at = $4 WHERE id = $1`,
		id, url, pq.Array(events), at)
}

func (s *PostgresWebhookStore) SetEndpointState(ctx context.Context, id string, status webhook.Status, enabled, resetFailures bool, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE webhook_endpoints SET status = $2, enabled = $3,
		   consecutive_failures = CASE WHEN $4 THEN 0 ELSE consecutive_failures END,
		   updated_at = $5
		 WHERE id = $1`,
		id, string(status), enabled, resetFailures, at)
}

func (s *PostgresWebhookStore) DeleteEndpoint(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM webhook_endpoints WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return webhook.ErrEndpointNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE endpoint_id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresWebhookStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE webhook_endpoints SET consecutive_failures = 0, success_count = success_count + 1,
		   last_success_at = $2, updated_at = $2
		 WHERE id = $1`,
		id, at)
}

// RecordFailure increments and checks the threshold in one statement; the
// row lock taken by the CTE serializes concurrent deliveries.
func (s *PostgresWebhookStore) RecordFailure(ctx context.Context, id, reason string, at time.Time, threshold int) (bool, error) {
	var before, after string
	err := s.db.QueryRowContext(ctx,
		`WITH prev AS (
		   SELECT status AS prev_status FROM webhook_endpoints WHERE id = $1 FOR UPDATE
		 )
		 UPDATE webhook_endpoints SET
		   consecutive_failures = webhook_endpoints.consecutive_failures + 1,
		   failure_count        = webhook_endpoints.failure_count + 1,
		   last_failure_reason  = $2,
		   last_failure_at      = $3,
		   updated_at           = $3,
		   status  = CASE WHEN prev.prev_status = 'active' AND webhook_endpoints.consecutive_failures + 1 >= $4
		                  THEN 'failed' ELSE webhook_endpoints.status END,
		   enabled = CASE WHEN prev.prev_status = 'active' AND webhook_endpoints.consecutive_failures + 1 >= $4
		                  THEN FALSE ELSE webhook_endpoints.enabled END
		 FROM prev
		 WHERE webhook_endpoints.id = $1
		 RETURNING prev.prev_status, webhook_endpoints.status`,
		id, reason, at, threshold,
	).Scan(&before, &after)
	if errors.Is(err, sql.ErrNoRows) {
		return false, webhook.ErrEndpointNotFound
	}
	if err != nil {
		return false, err
	}
	return before == string(webhook.StatusActive) && after == string(webhook.StatusFailed), nil
}

func (s *PostgresWebhookStore) SaveDelivery(ctx context.Context, rec *webhook.DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, endpoint_id, event_id, event_type, url, payload, response_status,
		 response_body, success, error, attempt, duration_ms, test, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.EndpointID, rec.EventID, rec.EventType, rec.URL, rec.Payload, rec.ResponseStatus,
		rec.ResponseBody, rec.Success, rec.Error, rec.Attempt, rec.Duration.Milliseconds(), rec.Test, rec.CreatedAt,
	)
	return err
}

func (s *PostgresWebhookStore) ListDeliveries(ctx context.Context, endpointID string, limit int) ([]*webhook.DeliveryRecord, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, endpoint_id, event_id, event_type, url, payload, response_status, response_body,
		   success, error, attempt, duration_ms, test, created_at
		 FROM webhook_deliveries WHERE endpoint_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		endpointID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*webhook.DeliveryRecord
	for rows.Next() {
		var (
			rec        webhook.DeliveryRecord
			durationMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.EndpointID, &rec.EventID, &rec.EventType, &rec.URL, &rec.Payload,
			&rec.ResponseStatus, &rec.ResponseBody, &rec.Success, &rec.Error, &rec.Attempt, &durationMS,
			&rec.Test, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PostgresWebhookStore) PruneDeliveries(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresWebhookStore) queryEndpoints(ctx context.Context, q string, args ...any) ([]*webhook.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*webhook.Endpoint
	for rows.Next() {
		var (
			ep                   webhook.Endpoint
			sealed, status       string
			lastSucc, lastFailed sql.NullTime
		)
		if err := rows.Scan(&ep.ID, &ep.CompanyID, &ep.URL, &sealed, pq.Array(&ep.Events), &ep.Enabled, &status,
			&ep.ConsecutiveFailures, &ep.SuccessCount, &ep.FailureCount, &ep.LastFailureReason,
			&lastSucc, &lastFailed, &ep.CreatedAt, &ep.UpdatedAt); err != nil {
			return nil, err
		}
		secret, err := s.sealer.OpenString(sealed)
		if err != nil {
			return nil, fmt.Errorf("open secret of endpoint %s: %w", ep.ID, err)
		}
		ep.Secret = secret
		ep.Status = webhook.Status(status)
		ep.LastSuccessAt = timePtr(lastSucc)
		ep.LastFailureAt = timePtr(lastFailed)
		out = append(out, &ep)
	}
	return out, rows.Err()
}

func (s *PostgresWebhookStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return webhook.ErrEndpointNotFound
	}
	return nil
}
