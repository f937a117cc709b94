package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/giftcard-fulfillment/internal/domain/inventory"
)

// MemoryItemStore keeps inventory items in memory. All mutations happen under
// one mutex, which makes CompareAndSwap trivially atomic.
type MemoryItemStore struct {
	mu           sync.RWMutex
	items        map[string]*inventory.Item
	fingerprints map[string]string
	owners       map[string]string // listing -> company
}

func NewMemoryItemStore() *MemoryItemStore {
	return &MemoryItemStore{
		items:        make(map[string]*inventory.Item),
		fingerprints: make(map[string]string),
		owners:       make(map[string]string),
	}
}

// Insert stores all items or none of them.
func (s *MemoryItemStore) Insert(_ context.Context, items []inventory.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	claims := make(map[string]string)
	for _, it := range items {
		owner, ok := s.owners[it.ListingID]
		if !ok {
			owner, ok = claims[it.ListingID]
		}
		if ok && owner != it.CompanyID {
			return inventory.ErrListingOwned
		}
		claims[it.ListingID] = it.CompanyID
		if _, exists := s.fingerprints[inventory.Fingerprint(it.ListingID, it.Secret.Code)]; exists {
			return inventory.ErrDuplicateCode
		}
	}
	for listing, company := range claims {
		s.owners[listing] = company
	}
	for _, it := range items {
		cp := it
		s.items[it.ID] = &cp
		s.fingerprints[inventory.Fingerprint(it.ListingID, it.Secret.Code)] = it.ID
	}
	return nil
}

func (s *MemoryItemStore) Get(_ context.Context, ids []string) ([]inventory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]inventory.Item, 0, len(ids))
	for _, id := range ids {
		if it, ok := s.items[id]; ok {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (s *MemoryItemStore) ListAvailable(_ context.Context, pool inventory.Pool, limit int, now time.Time) ([]inventory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := s.availableLocked(pool, now)
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *MemoryItemStore) CountAvailable(_ context.Context, pool inventory.Pool, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.availableLocked(pool, now)), nil
}

func (s *MemoryItemStore) HasDenomination(_ context.Context, pool inventory.Pool) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, it := range s.items {
		if inPool(it, pool) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryItemStore) CompareAndSwap(_ context.Context, t inventory.Transition) (bool, error) {
	if err := t.Check(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[t.ID]
	if !ok {
		return false, ErrNotFound
	}
	if it.Status != t.From {
		return false, nil
	}
	t.Apply(it)
	return true, nil
}

func (s *MemoryItemStore) ExpireBefore(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, it := range s.items {
		if (it.Status == inventory.StatusAvailable || it.Status == inventory.StatusReserved) && it.ExpiredAt(now) {
			it.Status = inventory.StatusExpired
			n++
		}
	}
	return n, nil
}

// CountByStatus summarizes items per status, optionally for one listing.
func (s *MemoryItemStore) CountByStatus(listingID string) map[inventory.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[inventory.Status]int)
	for _, it := range s.items {
		if listingID == "" || it.ListingID == listingID {
			out[it.Status]++
		}
	}
	return out
}

func (s *MemoryItemStore) availableLocked(pool inventory.Pool, now time.Time) []inventory.Item {
	var out []inventory.Item
	for _, it := range s.items {
		if inPool(it, pool) && it.Status == inventory.StatusAvailable && !it.ExpiredAt(now) {
			out = append(out, *it)
		}
	}
	return out
}

func inPool(it *inventory.Item, pool inventory.Pool) bool {
	return it.CompanyID == pool.CompanyID && it.ListingID == pool.ListingID && it.Denomination == pool.Denomination
}
