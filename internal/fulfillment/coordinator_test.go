package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/giftcard-fulfillment/internal/audit"
	"github.com/example/giftcard-fulfillment/internal/domain/errs"
	"github.com/example/giftcard-fulfillment/internal/domain/inventory"
	"github.com/example/giftcard-fulfillment/internal/domain/order"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/store"
	"github.com/example/giftcard-fulfillment/internal/secrets"
	"github.com/example/giftcard-fulfillment/internal/webhook"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (n *recordingNotifier) Trigger(_ context.Context, _, eventType string, _ any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
	return n.err
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// hookedEventStore runs beforeFulfilled once, just before the first
// OrderFulfilled append, to inject a competing writer.
type hookedEventStore struct {
	*store.EventStore
	beforeFulfilled func(ctx context.Context)
	fired           bool
	fulfilledErr    error
}

func (s *hookedEventStore) Append(ctx context.Context, aggregateID, aggregateType, eventType string, data any, expectedVersion int) (*store.Event, error) {
	if eventType == order.EventOrderFulfilled && s.fulfilledErr != nil {
		return nil, s.fulfilledErr
	}
	if eventType == order.EventOrderFulfilled && s.beforeFulfilled != nil && !s.fired {
		s.fired = true
		s.beforeFulfilled(ctx)
	}
	return s.EventStore.Append(ctx, aggregateID, aggregateType, eventType, data, expectedVersion)
}

// failingItemStore fails every move to the given status.
type failingItemStore struct {
	*store.MemoryItemStore
	failTo inventory.Status
}

func (s *failingItemStore) CompareAndSwap(ctx context.Context, t inventory.Transition) (bool, error) {
	if t.To == s.failTo {
		return false, errors.New("store unavailable")
	}
	return s.MemoryItemStore.CompareAndSwap(ctx, t)
}

type fixture struct {
	coordinator *Coordinator
	orders      *order.Service
	ledger      *inventory.Ledger
	items       *store.MemoryItemStore
	events      *hookedEventStore
	sealer      *secrets.Sealer
	notifier    *recordingNotifier
	sink        *audit.MemorySink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sealer, err := secrets.NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	f := &fixture{
		items:    store.NewMemoryItemStore(),
		events:   &hookedEventStore{EventStore: store.NewEventStore(nil)},
		sealer:   sealer,
		notifier: &recordingNotifier{},
		sink:     &audit.MemorySink{},
	}
	f.orders = order.NewService(f.events)
	f.ledger = inventory.NewLedger(f.items)
	f.coordinator = f.newCoordinator()
	return f
}

// newCoordinator builds a coordinator sharing the fixture's stores but with
// its own in-process locks, like a second API instance.
func (f *fixture) newCoordinator() *Coordinator {
	return NewCoordinator(f.orders, f.ledger, f.sealer,
		WithNotifier(f.notifier),
		WithAudit(audit.NewRecorder(f.sink)),
	)
}

func (f *fixture) stock(t *testing.T, prefix string, n int) {
	t.Helper()
	secretList := make([]inventory.Secret, n)
	for i := range secretList {
		secretList[i] = inventory.Secret{Code: fmt.Sprintf("%s-%d", prefix, i), PIN: "1234"}
	}
	_, err := f.ledger.AddItems(context.Background(), inventory.NewItems{
		ListingID:    "listing-1",
		CompanyID:    "company-1",
		Denomination: 1000,
		Secrets:      secretList,
	})
	require.NoError(t, err)
}

func (f *fixture) place(t *testing.T, quantity int, paid bool) *order.Order {
	t.Helper()
	return f.placeFor(t, "company-1", quantity, paid)
}

func (f *fixture) placeFor(t *testing.T, companyID string, quantity int, paid bool) *order.Order {
	t.Helper()
	ctx := context.Background()
	o, err := f.orders.Place(ctx, order.Checkout{
		CompanyID:     companyID,
		ListingID:     "listing-1",
		Denomination:  1000,
		Quantity:      quantity,
		Customer:      order.Customer{Email: "buyer@example.com"},
		PaymentMethod: "card",
	})
	require.NoError(t, err)
	if paid {
		o, err = f.orders.ConfirmPayment(ctx, o.ID, "pay_1")
		require.NoError(t, err)
	}
	return o
}

func (f *fixture) available(t *testing.T) int {
	t.Helper()
	n, err := f.ledger.CountAvailable(context.Background(), inventory.Pool{CompanyID: "company-1", ListingID: "listing-1", Denomination: 1000})
	require.NoError(t, err)
	return n
}

func codeValues(codes []Code) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = c.Code
	}
	return out
}

// ============================================
// FulfillOrder
// ============================================

func TestFulfillOrder_Success(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "GC", 3)
	o := f.place(t, 2, true)

	res, err := f.coordinator.FulfillOrder(context.Background(), o.ID, "user-1")
	require.NoError(t, err)

	assert.False(t, res.AlreadyFulfilled)
	assert.Equal(t, []string{"GC-0", "GC-1"}, codeValues(res.Codes))
	assert.Equal(t, "1234", res.Codes[0].PIN)
	assert.Equal(t, order.FulfillmentFulfilled, res.Order.FulfillmentStatus)
	assert.Equal(t, "user-1", res.Order.FulfilledBy)
	require.Len(t, res.Order.Codes, 2)
	for _, c := range res.Order.Codes {
		assert.True(t, secrets.IsSealed(c.Sealed))
		assert.NotContains(t, c.Sealed, "GC-")
	}

	assert.Equal(t, 1, f.available(t))
	assert.Equal(t, 2, f.items.CountByStatus("listing-1")[inventory.StatusSold])
	assert.Equal(t, []string{webhook.EventOrderFulfilled}, f.notifier.Events())
	assert.Contains(t, f.sink.Actions(), audit.ActionOrderFulfilled)
}

func TestFulfillOrder_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "GC", 4)
	o := f.place(t, 2, true)
	ctx := context.Background()

	first, err := f.coordinator.FulfillOrder(ctx, o.ID, "user-1")
	require.NoError(t, err)
	second, err := f.coordinator.FulfillOrder(ctx, o.ID, "user-2")
	require.NoError(t, err)

	assert.True(t, second.AlreadyFulfilled)
	assert.Equal(t, first.Codes, second.Codes)
	assert.Equal(t, "user-1", second.Order.FulfilledBy)
	assert.Equal(t, 2, f.available(t))
	assert.Len(t, f.notifier.Events(), 1)
}

func TestFulfillOrder_RequiresCompletedPayment(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "GC", 2)
	o := f.place(t, 1, false)

	_, err := f.coordinator.FulfillOrder(context.Background(), o.ID, "user-1")

	assert.ErrorIs(t, err, errs.ErrInvalidStateTransition)
	assert.ErrorIs(t, err, order.ErrPaymentNotCompleted)
	assert.Equal(t, 2, f.available(t))
	assert.Zero(t, f.items.CountByStatus("listing-1")[inventory.StatusReserved])
	assert.Empty(t, f.notifier.Events())
}

func TestFulfillOrder_UnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.coordinator.FulfillOrder(context.Background(), "missing", "user-1")

	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestFulfillOrder_InsufficientInventoryThenRetry(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "GC", 1)
	o := f.place(t, 2, true)
	ctx := context.Background()

	_, err := f.coordinator.FulfillOrder(ctx, o.ID, "user-1")
	require.ErrorIs(t, err, inventory.ErrInsufficientInventory)

	failed, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentFailed, failed.FulfillmentStatus)
	assert.Contains(t, failed.FulfillmentFailure, "not enough available codes")
	assert.Equal(t, 1, f.available(t), "nothing stays reserved")
	assert.Equal(t, []string{webhook.EventOrderFulfillmentFailed}, f.notifier.Events())
	assert.Contains(t, f.sink.Actions(), audit.ActionFulfillmentFailed)

	// still short: the order stays failed and retryable
	_, err = f.coordinator.RetryFailed(ctx, o.ID, "operator")
	require.ErrorIs(t, err, errs.ErrInsufficientInventory)

	f.stock(t, "RESTOCK", 2)
	res, err := f.coordinator.RetryFailed(ctx, o.ID, "operator")
	require.NoError(t, err)
	assert.Len(t, res.Codes, 2)
	assert.Equal(t, "operator", res.Order.FulfilledBy)
	assert.Empty(t, res.Order.FulfillmentFailure)
}

func TestFulfillOrder_NeverDrawsFromAnotherCompany(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "B-SECRET", 2)
	o := f.placeFor(t, "company-2", 1, true)
	ctx := context.Background()

	_, err := f.coordinator.FulfillOrder(ctx, o.ID, "user-2")
	require.ErrorIs(t, err, inventory.ErrListingNotFound)

	failed, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentFailed, failed.FulfillmentStatus)
	assert.Empty(t, failed.Codes)
	assert.Equal(t, 2, f.available(t))
	assert.Zero(t, f.items.CountByStatus("listing-1")[inventory.StatusSold])
}

func TestFulfillOrder_ConsumeFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.items = store.NewMemoryItemStore()
	f.ledger = inventory.NewLedger(&failingItemStore{MemoryItemStore: f.items, failTo: inventory.StatusSold})
	f.coordinator = f.newCoordinator()
	f.stock(t, "GC", 2)
	o := f.place(t, 1, true)
	ctx := context.Background()

	_, err := f.coordinator.FulfillOrder(ctx, o.ID, "user-1")
	require.Error(t, err)

	failed, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentFailed, failed.FulfillmentStatus)
	assert.Contains(t, failed.FulfillmentFailure, "store unavailable")
	assert.Equal(t, 2, f.available(t), "reserved items go back to the pool")
	assert.Equal(t, []string{webhook.EventOrderFulfillmentFailed}, f.notifier.Events())
	assert.Contains(t, f.sink.Actions(), audit.ActionFulfillmentFailed)
}

func TestFulfillOrder_RecordFailureVoidsAndMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "GC", 2)
	o := f.place(t, 1, true)
	ctx := context.Background()

	f.events.fulfilledErr = errors.New("event store unavailable")
	_, err := f.coordinator.FulfillOrder(ctx, o.ID, "user-1")
	require.Error(t, err)

	failed, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentFailed, failed.FulfillmentStatus)
	assert.Contains(t, failed.FulfillmentFailure, "event store unavailable")
	counts := f.items.CountByStatus("listing-1")
	assert.Equal(t, 1, counts[inventory.StatusInvalid])
	assert.Equal(t, 1, counts[inventory.StatusAvailable])
	assert.Contains(t, f.sink.Actions(), audit.ActionItemsVoided)
}

func TestRetryFailed_OnlyFailedOrders(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "GC", 1)
	o := f.place(t, 1, true)

	_, err := f.coordinator.RetryFailed(context.Background(), o.ID, "operator")

	assert.ErrorIs(t, err, ErrNotRetryable)
	assert.Equal(t, 1, f.available(t))
}

func TestFulfillOrder_NotifierFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "GC", 1)
	f.notifier.err = errors.New("bus unavailable")
	o := f.place(t, 1, true)

	res, err := f.coordinator.FulfillOrder(context.Background(), o.ID, "user-1")

	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentFulfilled, res.Order.FulfillmentStatus)
	assert.Contains(t, f.sink.Actions(), audit.ActionWebhookNotifyFailure)
}

// ============================================
// Concurrency
// ============================================

func TestFulfillOrder_ConcurrentCallsSameOrder(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "GC", 10)
	o := f.place(t, 2, true)

	const callers = 8
	results := make([]*Result, callers)
	errList := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errList[i] = f.coordinator.FulfillOrder(context.Background(), o.ID, "user-1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errList[i])
		assert.Equal(t, results[0].Codes, results[i].Codes)
	}
	assert.Equal(t, 2, f.items.CountByStatus("listing-1")[inventory.StatusSold])
	assert.Equal(t, 8, f.available(t))
	assert.Zero(t, f.coordinator.locks.size())
}

func TestFulfillOrder_TwoCodesThreeBuyers(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "A", 1)
	f.stock(t, "B", 1)

	orders := []*order.Order{f.place(t, 1, true), f.place(t, 1, true), f.place(t, 1, true)}
	results := make([]*Result, len(orders))
	errList := make([]error, len(orders))

	var wg sync.WaitGroup
	for i, o := range orders {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i], errList[i] = f.coordinator.FulfillOrder(context.Background(), id, "system")
		}(i, o.ID)
	}
	wg.Wait()

	var delivered []string
	failures := 0
	for i := range orders {
		if errList[i] != nil {
			assert.ErrorIs(t, errList[i], errs.ErrInsufficientInventory)
			failures++
			continue
		}
		delivered = append(delivered, codeValues(results[i].Codes)...)
	}
	assert.Equal(t, 1, failures)
	assert.ElementsMatch(t, []string{"A-0", "B-0"}, delivered)
	assert.Zero(t, f.available(t))
	assert.Equal(t, 2, f.items.CountByStatus("listing-1")[inventory.StatusSold])
}

func TestFulfillOrder_LosingProcessVoidsItsItems(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "GC", 4)
	o := f.place(t, 2, true)
	ctx := context.Background()

	other := f.newCoordinator()
	var winner *Result
	f.events.beforeFulfilled = func(ctx context.Context) {
		var err error
		winner, err = other.FulfillOrder(ctx, o.ID, "instance-b")
		require.NoError(t, err)
	}

	res, err := f.coordinator.FulfillOrder(ctx, o.ID, "instance-a")
	require.NoError(t, err)
	require.NotNil(t, winner)

	assert.True(t, res.AlreadyFulfilled)
	assert.Equal(t, winner.Codes, res.Codes)
	assert.Equal(t, "instance-b", res.Order.FulfilledBy)

	counts := f.items.CountByStatus("listing-1")
	assert.Equal(t, 2, counts[inventory.StatusSold])
	assert.Equal(t, 2, counts[inventory.StatusInvalid])
	assert.Zero(t, counts[inventory.StatusAvailable])
	assert.Contains(t, f.sink.Actions(), audit.ActionFulfillmentRaceLost)
	assert.Contains(t, f.sink.Actions(), audit.ActionItemsVoided)
}

func TestFulfillOrder_RefundedMidFulfillment(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "GC", 2)
	o := f.place(t, 1, true)

	f.events.beforeFulfilled = func(ctx context.Context) {
		_, err := f.orders.Refund(ctx, o.ID, "customer request", "support")
		require.NoError(t, err)
	}

	_, err := f.coordinator.FulfillOrder(context.Background(), o.ID, "user-1")

	assert.ErrorIs(t, err, errs.ErrInvalidStateTransition)
	counts := f.items.CountByStatus("listing-1")
	assert.Equal(t, 1, counts[inventory.StatusInvalid])
	assert.Equal(t, 1, counts[inventory.StatusAvailable])
	assert.Zero(t, counts[inventory.StatusSold])

	refunded, err := f.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentRefunded, refunded.PaymentStatus)
	assert.Equal(t, order.FulfillmentPending, refunded.FulfillmentStatus, "refunded orders are not marked failed")
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.lock("a")
	unlockB := k.lock("b")
	assert.Equal(t, 2, k.size())

	acquired := make(chan struct{})
	go func() {
		unlock := k.lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()
	assert.Zero(t, k.size())
}
