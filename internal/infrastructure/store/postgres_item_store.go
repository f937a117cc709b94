package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/giftcard-fulfillment/internal/domain/inventory"
	"github.com/example/giftcard-fulfillment/internal/secrets"
)

// PostgresItemStore keeps inventory items in PostgreSQL with their secret
// payload sealed. Conditional updates on (id, status) make CompareAndSwap
// safe across API instances.
type PostgresItemStore struct {
	db     *sql.DB
	sealer *secrets.Sealer
}

func NewPostgresItemStore(db *sql.DB, sealer *secrets.Sealer) *PostgresItemStore {
	return &PostgresItemStore{db: db, sealer: sealer}
}

const itemColumns = `id, listing_id, company_id, denomination, secret, status, created_at,
	expires_at, reserved_at, order_id, sold_at, recipient`

func (s *PostgresItemStore) Insert(ctx context.Context, items []inventory.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := claimListings(ctx, tx, items); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO inventory_items (id, listing_id, company_id, denomination, secret, code_fingerprint,
		 status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, it := range items {
		sealed, err := sealSecret(s.sealer, it.Secret)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			it.ID, it.ListingID, it.CompanyID, it.Denomination, sealed,
			inventory.Fingerprint(it.ListingID, it.Secret.Code),
			string(it.Status), it.CreatedAt, nullTime(it.ExpiresAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return inventory.ErrDuplicateCode
			}
			return fmt.Errorf("insert item: %w", err)
		}
	}
	return tx.Commit()
}

// claimListings records the owner of each listing on first upload and fails
// when a listing already belongs to another company. The row lock taken by
// the upsert serializes concurrent first uploads.
func claimListings(ctx context.Context, tx *sql.Tx, items []inventory.Item) error {
	claimed := make(map[string]bool)
	for _, it := range items {
		if claimed[it.ListingID] {
			continue
		}
		claimed[it.ListingID] = true

		var owner string
		err := tx.QueryRowContext(ctx,
			`INSERT INTO listing_owners (listing_id, company_id) VALUES ($1, $2)
			 ON CONFLICT (listing_id) DO UPDATE SET listing_id = EXCLUDED.listing_id
			 RETURNING company_id`,
			it.ListingID, it.CompanyID,
		).Scan(&owner)
		if err != nil {
			return fmt.Errorf("claim listing: %w", err)
		}
		if owner != it.CompanyID {
			return inventory.ErrListingOwned
		}
	}
	return nil
}

func (s *PostgresItemStore) Get(ctx context.Context, ids []string) ([]inventory.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	items, err := s.query(ctx, `SELECT `+itemColumns+` FROM inventory_items WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	// callers rely on request order
	byID := make(map[string]inventory.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	out := make([]inventory.Item, 0, len(items))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *PostgresItemStore) ListAvailable(ctx context.Context, pool inventory.Pool, limit int, now time.Time) ([]inventory.Item, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	return s.query(ctx,
		`SELECT `+itemColumns+` FROM inventory_items
		 WHERE company_id = $1 AND listing_id = $2 AND denomination = $3 AND status = 'available'
		   AND (expires_at IS NULL OR expires_at > $4)
		 ORDER BY created_at ASC, id ASC
		 LIMIT $5`,
		pool.CompanyID, pool.ListingID, pool.Denomination, now, lim)
}

func (s *PostgresItemStore) CountAvailable(ctx context.Context, pool inventory.Pool, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inventory_items
		 WHERE company_id = $1 AND listing_id = $2 AND denomination = $3 AND status = 'available'
		   AND (expires_at IS NULL OR expires_at > $4)`,
		pool.CompanyID, pool.ListingID, pool.Denomination, now,
	).Scan(&n)
	return n, err
}

func (s *PostgresItemStore) HasDenomination(ctx context.Context, pool inventory.Pool) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM inventory_items
		 WHERE company_id = $1 AND listing_id = $2 AND denomination = $3)`,
		pool.CompanyID, pool.ListingID, pool.Denomination,
	).Scan(&exists)
	return exists, err
}

func (s *PostgresItemStore) CompareAndSwap(ctx context.Context, t inventory.Transition) (bool, error) {
	if err := t.Check(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE inventory_items SET
		   status      = $3,
		   reserved_at = CASE WHEN $3 = 'reserved' THEN $4::timestamptz
		                      WHEN $3 = 'available' THEN NULL
		                      ELSE reserved_at END,
		   order_id    = CASE WHEN $3 = 'sold' THEN $5 ELSE order_id END,
		   recipient   = CASE WHEN $3 = 'sold' THEN $6 ELSE recipient END,
		   sold_at     = CASE WHEN $3 = 'sold' THEN $4::timestamptz ELSE sold_at END
		 WHERE id = $1 AND status = $2`,
		t.ID, string(t.From), string(t.To), t.At, t.OrderID, t.Recipient,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM inventory_items WHERE id = $1)`, t.ID,
	).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresItemStore) ExpireBefore(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE inventory_items SET status = 'expired'
		 WHERE status IN ('available', 'reserved') AND expires_at IS NOT NULL AND expires_at <= $1`,
		now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresItemStore) query(ctx context.Context, q string, args ...any) ([]inventory.Item, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []inventory.Item
	for rows.Next() {
		var (
			it                            inventory.Item
			sealed, status                string
			expiresAt, reservedAt, soldAt sql.NullTime
		)
		if err := rows.Scan(&it.ID, &it.ListingID, &it.CompanyID, &it.Denomination, &sealed, &status,
			&it.CreatedAt, &expiresAt, &reservedAt, &it.OrderID, &soldAt, &it.Recipient); err != nil {
			return nil, err
		}
		secret, err := openSecret(s.sealer, sealed)
		if err != nil {
			return nil, fmt.Errorf("open secret of item %s: %w", it.ID, err)
		}
		it.Secret = secret
		it.Status = inventory.Status(status)
		it.ExpiresAt = timePtr(expiresAt)
		it.ReservedAt = timePtr(reservedAt)
		it.SoldAt = timePtr(soldAt)
		items = append(items, it)
	}
	return items, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
