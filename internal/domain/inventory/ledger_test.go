package inventory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/example/giftcard-fulfillment/internal/domain/errs"
	"github.com/example/giftcard-fulfillment/internal/domain/inventory"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/store"
)

func codes(prefix string, n int) []inventory.Secret {
	out := make([]inventory.Secret, n)
	for i := range out {
		out[i] = inventory.Secret{Code: fmt.Sprintf("%s-%04d", prefix, i)}
	}
	return out
}

func newLedger(t *testing.T) (*inventory.Ledger, *store.MemoryItemStore) {
	t.Helper()
	s := store.NewMemoryItemStore()
	return inventory.NewLedger(s), s
}

func pool(listing string, denom int64) inventory.Pool {
	return inventory.Pool{CompanyID: "company-1", ListingID: listing, Denomination: denom}
}

func seed(t *testing.T, l *inventory.Ledger, listing string, denom int64, n int) []inventory.Item {
	t.Helper()
	items, err := l.AddItems(context.Background(), inventory.NewItems{
		ListingID:    listing,
		CompanyID:    "company-1",
		Denomination: denom,
		Secrets:      codes(fmt.Sprintf("%s-%d", listing, denom), n),
	})
	require.NoError(t, err)
	return items
}

// =============================================================================
// AddItems
// =============================================================================

func TestAddItems_Validation(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   inventory.NewItems
		want error
	}{
		{"missing listing", inventory.NewItems{Denomination: 1000, Secrets: codes("x", 1)}, inventory.ErrListingNotFound},
		{"zero denomination", inventory.NewItems{CompanyID: "company-1", ListingID: "l", Secrets: codes("x", 1)}, inventory.ErrInvalidDenomination},
		{"no codes", inventory.NewItems{CompanyID: "company-1", ListingID: "l", Denomination: 1000}, inventory.ErrInvalidQuantity},
		{"blank code", inventory.NewItems{CompanyID: "company-1", ListingID: "l", Denomination: 1000, Secrets: []inventory.Secret{{Code: "  "}}}, inventory.ErrEmptyCode},
		{"duplicate in batch", inventory.NewItems{CompanyID: "company-1", ListingID: "l", Denomination: 1000, Secrets: []inventory.Secret{{Code: "A"}, {Code: "A"}}}, inventory.ErrDuplicateCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.AddItems(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAddItems_RejectsCodeAlreadyInListing(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.AddItems(ctx, inventory.NewItems{CompanyID: "company-1", ListingID: "l", Denomination: 1000, Secrets: []inventory.Secret{{Code: "A"}}})
	require.NoError(t, err)

	_, err = l.AddItems(ctx, inventory.NewItems{CompanyID: "company-1", ListingID: "l", Denomination: 1000, Secrets: []inventory.Secret{{Code: "B"}, {Code: "A"}}})
	assert.ErrorIs(t, err, inventory.ErrDuplicateCode)

	n, err := l.CountAvailable(ctx, pool("l", 1000))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "rejected batch must not be partially stored")
}

func TestAddItems_StoresAvailable(t *testing.T) {
	l, _ := newLedger(t)
	items := seed(t, l, "listing-1", 1000, 3)

	for _, it := range items {
		assert.Equal(t, inventory.StatusAvailable, it.Status)
		assert.NotEmpty(t, it.ID)
	}
	n, err := l.CountAvailable(context.Background(), pool("listing-1", 1000))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAddItems_RequiresCompany(t *testing.T) {
	l, _ := newLedger(t)

	_, err := l.AddItems(context.Background(), inventory.NewItems{ListingID: "l", Denomination: 1000, Secrets: codes("x", 1)})
	assert.ErrorIs(t, err, inventory.ErrMissingCompany)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestAddItems_ListingBelongsToFirstCompany(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, l, "listing-1", 1000, 2)

	_, err := l.AddItems(ctx, inventory.NewItems{
		ListingID:    "listing-1",
		CompanyID:    "company-2",
		Denomination: 5000,
		Secrets:      codes("junk", 3),
	})
	assert.ErrorIs(t, err, inventory.ErrListingOwned)
	assert.ErrorIs(t, err, errs.ErrConflict)
	assert.Equal(t, 2, s.CountByStatus("listing-1")[inventory.StatusAvailable], "nothing was added")

	// the owner can keep stocking it
	seed(t, l, "listing-1", 5000, 1)
}

// =============================================================================
// Reserve
// =============================================================================

func TestReserve_FIFO(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	items := seed(t, l, "listing-1", 1000, 5)

	first, err := l.Reserve(ctx, pool("listing-1", 1000), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{items[0].ID, items[1].ID}, inventory.IDs(first))

	second, err := l.Reserve(ctx, pool("listing-1", 1000), 1)
	require.NoError(t, err)
	assert.Equal(t, items[2].ID, second[0].ID)
}

func TestReserve_ScopedToDenomination(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	seed(t, l, "listing-1", 1000, 2)
	fifties := seed(t, l, "listing-1", 5000, 1)

	got, err := l.Reserve(ctx, pool("listing-1", 5000), 1)
	require.NoError(t, err)
	assert.Equal(t, fifties[0].ID, got[0].ID)
	assert.Equal(t, int64(5000), got[0].Denomination)

	_, err = l.Reserve(ctx, pool("listing-1", 5000), 1)
	assert.ErrorIs(t, err, inventory.ErrInsufficientInventory)
}

func TestReserve_AllOrNothing(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, l, "listing-1", 1000, 2)

	_, err := l.Reserve(ctx, pool("listing-1", 1000), 3)
	require.ErrorIs(t, err, inventory.ErrInsufficientInventory)
	assert.ErrorIs(t, err, errs.ErrInsufficientInventory)

	counts := s.CountByStatus("listing-1")
	assert.Equal(t, 2, counts[inventory.StatusAvailable])
	assert.Zero(t, counts[inventory.StatusReserved])
}

func TestReserve_ScopedToCompany(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, l, "listing-1", 1000, 2)

	other := inventory.Pool{CompanyID: "company-2", ListingID: "listing-1", Denomination: 1000}
	_, err := l.Reserve(ctx, other, 1)
	assert.ErrorIs(t, err, inventory.ErrListingNotFound)

	n, err := l.CountAvailable(ctx, other)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, s.CountByStatus("listing-1")[inventory.StatusAvailable])

	_, err = l.Reserve(ctx, inventory.Pool{ListingID: "listing-1", Denomination: 1000}, 1)
	assert.ErrorIs(t, err, inventory.ErrMissingCompany)
}

func TestReserve_UnknownListing(t *testing.T) {
	l, _ := newLedger(t)

	_, err := l.Reserve(context.Background(), pool("nope", 1000), 1)
	assert.ErrorIs(t, err, inventory.ErrListingNotFound)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestReserve_InvalidInput(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, pool("listing-1", 1000), 0)
	assert.ErrorIs(t, err, inventory.ErrInvalidQuantity)

	_, err = l.Reserve(ctx, pool("listing-1", 0), 1)
	assert.ErrorIs(t, err, inventory.ErrInvalidDenomination)
}

func TestReserve_SkipsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := store.NewMemoryItemStore()
	l := inventory.NewLedger(s, inventory.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	past := now.Add(-time.Hour)
	_, err := l.AddItems(ctx, inventory.NewItems{CompanyID: "company-1", ListingID: "l", Denomination: 1000, Secrets: codes("old", 1), ExpiresAt: &past})
	require.NoError(t, err)
	fresh := seed(t, l, "l", 1000, 1)

	n, err := l.CountAvailable(ctx, pool("l", 1000))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := l.Reserve(ctx, pool("l", 1000), 1)
	require.NoError(t, err)
	assert.Equal(t, fresh[0].ID, got[0].ID)
}

// racingStore loses the listed CompareAndSwap attempts to reserve, as if
// another process had claimed the item in between.
type racingStore struct {
	*store.MemoryItemStore
	mu       sync.Mutex
	attempts int
	steal    map[int]bool
}

func (r *racingStore) CompareAndSwap(ctx context.Context, t inventory.Transition) (bool, error) {
	if t.To == inventory.StatusReserved {
		r.mu.Lock()
		r.attempts++
		lose := r.steal[r.attempts]
		r.mu.Unlock()
		if lose {
			// the competing writer keeps the item
			_, _ = r.MemoryItemStore.CompareAndSwap(ctx, inventory.Transition{ID: t.ID, From: inventory.StatusAvailable, To: inventory.StatusReserved, At: t.At})
			return false, nil
		}
	}
	return r.MemoryItemStore.CompareAndSwap(ctx, t)
}

func TestReserve_LostCASReselects(t *testing.T) {
	mem := store.NewMemoryItemStore()
	rs := &racingStore{MemoryItemStore: mem, steal: map[int]bool{1: true, 2: true}}
	l := inventory.NewLedger(rs)
	ctx := context.Background()

	items, err := l.AddItems(ctx, inventory.NewItems{CompanyID: "company-1", ListingID: "l", Denomination: 1000, Secrets: codes("c", 4)})
	require.NoError(t, err)

	got, err := l.Reserve(ctx, pool("l", 1000), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{items[2].ID, items[3].ID}, inventory.IDs(got))

	counts := mem.CountByStatus("l")
	assert.Equal(t, 4, counts[inventory.StatusReserved], "two by us, two by the competitor")
	assert.Zero(t, counts[inventory.StatusAvailable])
}

func TestReserve_ContentionReleasesPartialClaim(t *testing.T) {
	mem := store.NewMemoryItemStore()
	rs := &racingStore{MemoryItemStore: mem, steal: map[int]bool{2: true, 3: true}}
	l := inventory.NewLedger(rs)
	ctx := context.Background()

	_, err := l.AddItems(ctx, inventory.NewItems{CompanyID: "company-1", ListingID: "l", Denomination: 1000, Secrets: codes("c", 3)})
	require.NoError(t, err)

	_, err = l.Reserve(ctx, pool("l", 1000), 2)
	require.ErrorIs(t, err, inventory.ErrInsufficientInventory)

	counts := mem.CountByStatus("l")
	assert.Equal(t, 2, counts[inventory.StatusReserved], "only the competitor's claims remain")
	assert.Equal(t, 1, counts[inventory.StatusAvailable], "first claim is released")
}

// =============================================================================
// Concurrency
// =============================================================================

func TestReserve_ConcurrentNoDoubleAllocation(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	seed(t, l, "listing-1", 1000, 50)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		seen    = map[string]int{}
		failed  int
		workers = 80
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := l.Reserve(ctx, pool("listing-1", 1000), 1)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				return
			}
			for _, it := range got {
				seen[it.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s allocated %d times", id, n)
	}
	assert.Equal(t, workers-50, failed)
}

// Two $10 codes, A older than B. Two concurrent single-code orders get one
// each and a third order finds nothing left.
func TestReserve_TwoCodesThreeBuyers(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	items, err := l.AddItems(ctx, inventory.NewItems{
		ListingID:    "amazon",
		CompanyID:    "company-1",
		Denomination: 1000,
		Secrets:      []inventory.Secret{{Code: "A"}, {Code: "B"}},
	})
	require.NoError(t, err)

	results := make([][]inventory.Item, 2)
	errList := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errList[i] = l.Reserve(ctx, pool("amazon", 1000), 1)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errList[0])
	require.NoError(t, errList[1])
	require.Len(t, results[0], 1)
	require.Len(t, results[1], 1)
	assert.ElementsMatch(t, []string{items[0].ID, items[1].ID},
		[]string{results[0][0].ID, results[1][0].ID})

	_, err = l.Reserve(ctx, pool("amazon", 1000), 1)
	assert.ErrorIs(t, err, inventory.ErrInsufficientInventory)

	n, err := l.CountAvailable(ctx, pool("amazon", 1000))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, s.CountByStatus("amazon")[inventory.StatusReserved])
}

func TestReserve_Property_NoItemAllocatedTwice(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := store.NewMemoryItemStore()
		l := inventory.NewLedger(s)
		ctx := context.Background()

		size := rapid.IntRange(1, 30).Draw(rt, "pool")
		_, err := l.AddItems(ctx, inventory.NewItems{CompanyID: "company-1", ListingID: "l", Denomination: 1000, Secrets: codes("p", size)})
		if err != nil {
			rt.Fatalf("seed: %v", err)
		}

		requests := rapid.SliceOfN(rapid.IntRange(1, 5), 1, 12).Draw(rt, "requests")
		results := make([][]inventory.Item, len(requests))
		var wg sync.WaitGroup
		for i, q := range requests {
			wg.Add(1)
			go func(i, q int) {
				defer wg.Done()
				got, err := l.Reserve(ctx, pool("l", 1000), q)
				if err == nil {
					results[i] = got
				}
			}(i, q)
		}
		wg.Wait()

		granted := map[string]bool{}
		total := 0
		for i, got := range results {
			if got == nil {
				continue
			}
			if len(got) != requests[i] {
				rt.Fatalf("reserved %d items, wanted %d", len(got), requests[i])
			}
			for _, it := range got {
				if granted[it.ID] {
					rt.Fatalf("item %s granted twice", it.ID)
				}
				granted[it.ID] = true
			}
			total += len(got)
		}

		counts := s.CountByStatus("l")
		if counts[inventory.StatusReserved] != total {
			rt.Fatalf("reserved count %d != granted %d", counts[inventory.StatusReserved], total)
		}
		if counts[inventory.StatusAvailable]+total != size {
			rt.Fatalf("items lost: available %d + reserved %d != %d", counts[inventory.StatusAvailable], total, size)
		}
	})
}

// =============================================================================
// Consume / Release / Void / Expire
// =============================================================================

func TestConsume_MarksSold(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	seed(t, l, "l", 1000, 2)

	reserved, err := l.Reserve(ctx, pool("l", 1000), 2)
	require.NoError(t, err)

	sold, err := l.Consume(ctx, reserved, "order-1", "buyer@example.com")
	require.NoError(t, err)
	require.Len(t, sold, 2)
	for _, it := range sold {
		assert.Equal(t, inventory.StatusSold, it.Status)
		assert.Equal(t, "order-1", it.OrderID)
		assert.Equal(t, "buyer@example.com", it.Recipient)
		require.NotNil(t, it.SoldAt)
		assert.NotEmpty(t, it.Secret.Code)
	}
}

func TestConsume_FailsWhenNoLongerReserved(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	seed(t, l, "l", 1000, 2)

	reserved, err := l.Reserve(ctx, pool("l", 1000), 2)
	require.NoError(t, err)

	n, err := l.Release(ctx, reserved[1:])
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sold, err := l.Consume(ctx, reserved, "order-1", "buyer@example.com")
	assert.ErrorIs(t, err, inventory.ErrItemNotReserved)
	assert.ErrorIs(t, err, errs.ErrInvalidStateTransition)
	assert.Len(t, sold, 1)
}

func TestRelease_OnlyReservedItems(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, l, "l", 1000, 3)

	reserved, err := l.Reserve(ctx, pool("l", 1000), 3)
	require.NoError(t, err)
	_, err = l.Consume(ctx, reserved[:1], "order-1", "a@example.com")
	require.NoError(t, err)

	n, err := l.Release(ctx, reserved)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts := s.CountByStatus("l")
	assert.Equal(t, 1, counts[inventory.StatusSold])
	assert.Equal(t, 2, counts[inventory.StatusAvailable])

	// releasing again is a no-op
	n, err = l.Release(ctx, reserved)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestVoid_OnlyItemsSoldToOrder(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, l, "l", 1000, 2)

	reserved, err := l.Reserve(ctx, pool("l", 1000), 2)
	require.NoError(t, err)
	_, err = l.Consume(ctx, reserved[:1], "order-1", "a@example.com")
	require.NoError(t, err)
	_, err = l.Consume(ctx, reserved[1:], "order-2", "b@example.com")
	require.NoError(t, err)

	n, err := l.Void(ctx, reserved, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts := s.CountByStatus("l")
	assert.Equal(t, 1, counts[inventory.StatusInvalid])
	assert.Equal(t, 1, counts[inventory.StatusSold])
}

func TestCompareAndSwap_RejectsBackwardMoves(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	items := seed(t, l, "l", 1000, 1)

	tests := []struct{ from, to inventory.Status }{
		{inventory.StatusAvailable, inventory.StatusSold},
		{inventory.StatusSold, inventory.StatusAvailable},
		{inventory.StatusExpired, inventory.StatusAvailable},
		{inventory.StatusInvalid, inventory.StatusReserved},
	}
	for _, tt := range tests {
		ok, err := s.CompareAndSwap(ctx, inventory.Transition{ID: items[0].ID, From: tt.from, To: tt.to, At: time.Now()})
		assert.ErrorIs(t, err, inventory.ErrInvalidItemTransition, "%s -> %s", tt.from, tt.to)
		assert.ErrorIs(t, err, errs.ErrInvalidStateTransition)
		assert.False(t, ok)
	}
	assert.Equal(t, 1, s.CountByStatus("l")[inventory.StatusAvailable])
}

func TestExpireStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	s := store.NewMemoryItemStore()
	l := inventory.NewLedger(s, inventory.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	expiry := now.Add(time.Hour)
	_, err := l.AddItems(ctx, inventory.NewItems{CompanyID: "company-1", ListingID: "l", Denomination: 1000, Secrets: codes("e", 3), ExpiresAt: &expiry})
	require.NoError(t, err)
	reserved, err := l.Reserve(ctx, pool("l", 1000), 1)
	require.NoError(t, err)
	_, err = l.Consume(ctx, reserved, "order-1", "a@example.com")
	require.NoError(t, err)

	n, err := l.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock = now.Add(2 * time.Hour)
	n, err = l.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts := s.CountByStatus("l")
	assert.Equal(t, 2, counts[inventory.StatusExpired])
	assert.Equal(t, 1, counts[inventory.StatusSold], "sold items never expire")
}
