// Package inventory is the ledger of secret gift-card codes. Codes are
// reserved first-in first-out per listing and denomination, consumed into an
// order, or released back to the pool.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ledger coordinates reservation and sale of items over a Store.
type Ledger struct {
	store Store
	now   func() time.Time

	mu    sync.Mutex
	pools map[string]*sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(s Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
		pools: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewItems is a bulk upload of codes for one listing and denomination.
type NewItems struct {
	ListingID    string
	CompanyID    string
	Denomination int64
	Secrets      []Secret
	ExpiresAt    *time.Time
}

// AddItems validates and stores a batch of codes as available. Items within a
// batch are stamped a microsecond apart so allocation follows upload order.
func (l *Ledger) AddItems(ctx context.Context, in NewItems) ([]Item, error) {
	if in.ListingID == "" {
		return nil, ErrListingNotFound
	}
	if in.Denomination <= 0 {
		return nil, ErrInvalidDenomination
	}
	if len(in.Secrets) == 0 {
		return nil, ErrInvalidQuantity
	}

	seen := make(map[string]struct{}, len(in.Secrets))
	for _, s := range in.Secrets {
		code := strings.TrimSpace(s.Code)
		if code == "" {
			return nil, ErrEmptyCode
		}
		if _, dup := seen[code]; dup {
			return nil, ErrDuplicateCode
		}
		seen[code] = struct{}{}
	}
	if in.CompanyID == "" {
		return nil, ErrMissingCompany
	}

	now := l.now()
	items := make([]Item, len(in.Secrets))
	for i, s := range in.Secrets {
		s.Code = strings.TrimSpace(s.Code)
		items[i] = Item{
			ID:           uuid.New().String(),
			ListingID:    in.ListingID,
			CompanyID:    in.CompanyID,
			Denomination: in.Denomination,
			Secret:       s,
			Status:       StatusAvailable,
			CreatedAt:    now.Add(time.Duration(i) * time.Microsecond),
			ExpiresAt:    in.ExpiresAt,
		}
	}

	if err := l.store.Insert(ctx, items); err != nil {
		return nil, fmt.Errorf("insert items: %w", err)
	}
	log.Printf("[Ledger] Added %d items to listing %s (denomination %d)", len(items), in.ListingID, in.Denomination)
	return items, nil
}

// Reserve moves exactly quantity available items of the pool to reserved,
// oldest first. Either all are reserved or none are. Items stocked by another
// company are never candidates.
func (l *Ledger) Reserve(ctx context.Context, pool Pool, quantity int) ([]Item, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if pool.Denomination <= 0 {
		return nil, ErrInvalidDenomination
	}
	if pool.CompanyID == "" {
		return nil, ErrMissingCompany
	}

	unlock := l.lockPool(pool)
	defer unlock()

	claimed := make([]Item, 0, quantity)
	for len(claimed) < quantity {
		if err := ctx.Err(); err != nil {
			l.releaseClaimed(claimed)
			return nil, err
		}

		need := quantity - len(claimed)
		now := l.now()
		candidates, err := l.store.ListAvailable(ctx, pool, need, now)
		if err != nil {
			l.releaseClaimed(claimed)
			return nil, fmt.Errorf("list available: %w", err)
		}
		if len(candidates) < need {
			l.releaseClaimed(claimed)
			return nil, l.shortfall(ctx, pool, quantity, len(claimed)+len(candidates))
		}

		for _, c := range candidates {
			t := Transition{ID: c.ID, From: StatusAvailable, To: StatusReserved, At: now}
			ok, err := l.store.CompareAndSwap(ctx, t)
			if err != nil {
				l.releaseClaimed(claimed)
				return nil, fmt.Errorf("reserve item: %w", err)
			}
			if !ok {
				// another process took it; the next round re-selects
				continue
			}
			t.Apply(&c)
			claimed = append(claimed, c)
		}
	}

	return claimed, nil
}

// Consume marks reserved items sold to orderID. On failure the items sold so
// far are returned with the error; the caller releases the rest.
func (l *Ledger) Consume(ctx context.Context, reserved []Item, orderID, recipient string) ([]Item, error) {
	now := l.now()
	sold := make([]Item, 0, len(reserved))
	for _, it := range reserved {
		t := Transition{ID: it.ID, From: StatusReserved, To: StatusSold, At: now, OrderID: orderID, Recipient: recipient}
		ok, err := l.store.CompareAndSwap(ctx, t)
		if err != nil {
			return sold, fmt.Errorf("consume item %s: %w", it.ID, err)
		}
		if !ok {
			return sold, fmt.Errorf("consume item %s: %w", it.ID, ErrItemNotReserved)
		}
		t.Apply(&it)
		sold = append(sold, it)
	}
	return sold, nil
}

// Release returns reserved items to the pool. Items in any other state are
// left alone. It reports how many were released.
func (l *Ledger) Release(ctx context.Context, items []Item) (int, error) {
	released := 0
	var errList []error
	for _, it := range items {
		ok, err := l.store.CompareAndSwap(ctx, Transition{ID: it.ID, From: StatusReserved, To: StatusAvailable, At: l.now()})
		if err != nil {
			errList = append(errList, fmt.Errorf("release item %s: %w", it.ID, err))
			continue
		}
		if ok {
			released++
		}
	}
	return released, errors.Join(errList...)
}

// Void invalidates items that were sold to orderID but never delivered.
func (l *Ledger) Void(ctx context.Context, items []Item, orderID string) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	current, err := l.store.Get(ctx, IDs(items))
	if err != nil {
		return 0, fmt.Errorf("load items: %w", err)
	}

	voided := 0
	for _, it := range current {
		if it.Status != StatusSold || it.OrderID != orderID {
			continue
		}
		ok, err := l.store.CompareAndSwap(ctx, Transition{ID: it.ID, From: StatusSold, To: StatusInvalid, At: l.now()})
		if err != nil {
			return voided, fmt.Errorf("void item %s: %w", it.ID, err)
		}
		if ok {
			voided++
		}
	}
	if voided > 0 {
		log.Printf("[Ledger] Voided %d items consumed by order %s", voided, orderID)
	}
	return voided, nil
}

// CountAvailable returns the number of unexpired available items in the pool.
func (l *Ledger) CountAvailable(ctx context.Context, pool Pool) (int, error) {
	if pool.CompanyID == "" {
		return 0, ErrMissingCompany
	}
	return l.store.CountAvailable(ctx, pool, l.now())
}

// ExpireStale moves available and reserved items past their expiry to expired.
func (l *Ledger) ExpireStale(ctx context.Context) (int, error) {
	n, err := l.store.ExpireBefore(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("expire items: %w", err)
	}
	if n > 0 {
		log.Printf("[Ledger] Expired %d items", n)
	}
	return n, nil
}

func (l *Ledger) shortfall(ctx context.Context, pool Pool, requested, available int) error {
	if available == 0 {
		known, err := l.store.HasDenomination(ctx, pool)
		if err == nil && !known {
			return ErrListingNotFound
		}
	}
	return fmt.Errorf("%w: requested %d, available %d", ErrInsufficientInventory, requested, available)
}

// releaseClaimed undoes a partial reservation. It must not depend on the
// caller's context, which may already be cancelled.
func (l *Ledger) releaseClaimed(claimed []Item) {
	if len(claimed) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.Release(ctx, claimed); err != nil {
		log.Printf("[Ledger] Failed to release partial reservation: %v", err)
	}
}

func (l *Ledger) lockPool(pool Pool) func() {
	key := pool.String()
	l.mu.Lock()
	m, ok := l.pools[key]
	if !ok {
		m = &sync.Mutex{}
		l.pools[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
