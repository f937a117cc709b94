package inventory

import (
	"context"
	"fmt"
	"time"
)

// Pool is the set of codes one company sells under a listing and
// denomination. A listing belongs to the company that first stocked it.
type Pool struct {
	CompanyID    string
	ListingID    string
	Denomination int64
}

func (p Pool) String() string {
	return fmt.Sprintf("%s/%s/%d", p.CompanyID, p.ListingID, p.Denomination)
}

// Store persists items. CompareAndSwap is the only mutation of an existing
// item and must be atomic with respect to other writers.
type Store interface {
	// Insert stores all items or none. It fails with ErrListingOwned when
	// the listing already holds items of another company.
	Insert(ctx context.Context, items []Item) error
	Get(ctx context.Context, ids []string) ([]Item, error)
	// ListAvailable returns up to limit available, unexpired items of the
	// pool, oldest first.
	ListAvailable(ctx context.Context, pool Pool, limit int, now time.Time) ([]Item, error)
	CountAvailable(ctx context.Context, pool Pool, now time.Time) (int, error)
	HasDenomination(ctx context.Context, pool Pool) (bool, error)
	// CompareAndSwap applies t if the item is currently in t.From and
	// reports whether it did. Transitions the lifecycle does not allow fail
	// with ErrInvalidItemTransition.
	CompareAndSwap(ctx context.Context, t Transition) (bool, error)
	// ExpireBefore moves available and reserved items whose expiry is at or
	// before now to expired, returning how many moved.
	ExpireBefore(ctx context.Context, now time.Time) (int, error)
}
