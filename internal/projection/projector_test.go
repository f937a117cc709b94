package projection

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/giftcard-fulfillment/internal/domain/order"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/store"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/store/mocks"
	"github.com/example/giftcard-fulfillment/internal/readmodel"
	"github.com/example/giftcard-fulfillment/internal/webhook"
)

type notification struct {
	companyID string
	eventType string
	data      any
}

type fakeNotifier struct {
	sent []notification
	err  error
}

func (n *fakeNotifier) Trigger(_ context.Context, companyID, eventType string, data any) error {
	n.sent = append(n.sent, notification{companyID, eventType, data})
	return n.err
}

func newTestProjector() (*Projector, *mocks.MockReadStore, *fakeNotifier) {
	readStore := mocks.NewMockReadStore()
	notifier := &fakeNotifier{}
	return NewProjector(readStore, WithNotifier(notifier)), readStore, notifier
}

var placedAt = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func makeEvent(orderID, eventType string, version int, data any) store.Event {
	jsonData, _ := json.Marshal(data)
	return store.Event{
		ID:            "event-" + eventType,
		AggregateID:   orderID,
		AggregateType: order.AggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Timestamp:     placedAt.Add(time.Duration(version) * time.Minute),
		Version:       version,
	}
}

func encode(t *testing.T, e store.Event) []byte {
	t.Helper()
	b, err := json.Marshal(e)
	require.NoError(t, err)
	return b
}

func placed(orderID, email string) order.OrderPlaced {
	return order.OrderPlaced{
		OrderID:       orderID,
		CompanyID:     "company-1",
		ListingID:     "listing-1",
		Denomination:  1000,
		Quantity:      2,
		Pricing:       order.Pricing{UnitPrice: 1000, Subtotal: 2000, Fee: 50, Total: 2050, Currency: "USD"},
		Customer:      order.Customer{Email: email, Name: "Ada"},
		PaymentMethod: "card",
		PlacedAt:      placedAt,
		ExpiresAt:     placedAt.Add(30 * time.Minute),
	}
}

func getOrder(t *testing.T, rs *mocks.MockReadStore, id string) *readmodel.OrderReadModel {
	t.Helper()
	data, ok := rs.GetData(readmodel.CollectionOrders, id)
	require.True(t, ok)
	return data.(*readmodel.OrderReadModel)
}

func getCustomer(t *testing.T, rs *mocks.MockReadStore, email string) *readmodel.CustomerReadModel {
	t.Helper()
	data, ok := rs.GetData(readmodel.CollectionCustomers, readmodel.CustomerID("company-1", email))
	require.True(t, ok)
	return data.(*readmodel.CustomerReadModel)
}

// ============================================
// Order lifecycle
// ============================================

func TestProjector_OrderPlaced(t *testing.T) {
	projector, readStore, notifier := newTestProjector()
	ctx := context.Background()

	err := projector.HandleEvent(ctx, nil, encode(t, makeEvent("order-1", order.EventOrderPlaced, 1, placed("order-1", "ada@example.com"))))
	require.NoError(t, err)

	o := getOrder(t, readStore, "order-1")
	assert.Equal(t, "company-1", o.CompanyID)
	assert.Equal(t, int64(2050), o.Total)
	assert.Equal(t, "pending", o.PaymentStatus)
	assert.Equal(t, "pending", o.FulfillmentStatus)
	assert.Equal(t, 1, o.Version)

	c := getCustomer(t, readStore, "ada@example.com")
	assert.Equal(t, 1, c.OrderCount)
	assert.Equal(t, placedAt, c.FirstOrderAt)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, webhook.EventCustomerCreated, notifier.sent[0].eventType)
	assert.Equal(t, "company-1", notifier.sent[0].companyID)
}

func TestProjector_ReturningCustomerIsNotAnnouncedAgain(t *testing.T) {
	projector, readStore, notifier := newTestProjector()
	ctx := context.Background()

	require.NoError(t, projector.Publish(ctx, "", makeEvent("order-1", order.EventOrderPlaced, 1, placed("order-1", "ada@example.com"))))
	require.NoError(t, projector.Publish(ctx, "", makeEvent("order-2", order.EventOrderPlaced, 1, placed("order-2", "ada@example.com"))))

	assert.Len(t, notifier.sent, 1)
	assert.Equal(t, 2, getCustomer(t, readStore, "ada@example.com").OrderCount)
}

func TestProjector_PaymentAndFulfillment(t *testing.T) {
	projector, readStore, _ := newTestProjector()
	ctx := context.Background()
	paidAt := placedAt.Add(2 * time.Minute)

	events := []store.Event{
		makeEvent("order-1", order.EventOrderPlaced, 1, placed("order-1", "ada@example.com")),
		makeEvent("order-1", order.EventPaymentProcessing, 2, order.PaymentProcessingStarted{OrderID: "order-1"}),
		makeEvent("order-1", order.EventPaymentCompleted, 3, order.PaymentConfirmed{OrderID: "order-1", Reference: "pi_1", PaidAt: paidAt}),
		makeEvent("order-1", order.EventOrderFulfilled, 4, order.OrderFulfilled{
			OrderID:     "order-1",
			Codes:       []order.DeliveredCode{{ItemID: "item-a", Sealed: "v1:xxx"}, {ItemID: "item-b", Sealed: "v1:yyy"}},
			FulfilledBy: "system",
			FulfilledAt: paidAt,
		}),
		makeEvent("order-1", order.EventCodesResent, 5, order.CodesResent{OrderID: "order-1", Recipient: "ada@example.com"}),
	}
	for _, e := range events {
		require.NoError(t, projector.Publish(ctx, "", e))
	}

	o := getOrder(t, readStore, "order-1")
	assert.Equal(t, "completed", o.PaymentStatus)
	assert.Equal(t, "pi_1", o.PaymentReference)
	assert.Equal(t, &paidAt, o.PaidAt)
	assert.Equal(t, "fulfilled", o.FulfillmentStatus)
	assert.Equal(t, []string{"item-a", "item-b"}, o.ItemIDs)
	assert.Equal(t, 1, o.ResendCount)
	assert.Equal(t, 5, o.Version)

	out, err := json.Marshal(o)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "v1:")

	c := getCustomer(t, readStore, "ada@example.com")
	assert.Equal(t, 1, c.PaidCount)
	assert.Equal(t, int64(2050), c.TotalSpent)
}

func TestProjector_FailuresAndRefund(t *testing.T) {
	projector, readStore, _ := newTestProjector()
	ctx := context.Background()

	require.NoError(t, projector.Publish(ctx, "", makeEvent("order-1", order.EventOrderPlaced, 1, placed("order-1", "ada@example.com"))))
	require.NoError(t, projector.Publish(ctx, "", makeEvent("order-1", order.EventPaymentCompleted, 2, order.PaymentConfirmed{OrderID: "order-1"})))
	require.NoError(t, projector.Publish(ctx, "", makeEvent("order-1", order.EventFulfillmentFailed, 3, order.FulfillmentAttemptFailed{OrderID: "order-1", Reason: "insufficient inventory"})))

	o := getOrder(t, readStore, "order-1")
	assert.Equal(t, "failed", o.FulfillmentStatus)
	assert.Equal(t, "insufficient inventory", o.FailureReason)

	require.NoError(t, projector.Publish(ctx, "", makeEvent("order-1", order.EventOrderRefunded, 4, order.OrderRefunded{OrderID: "order-1", RefundedAt: placedAt})))
	o = getOrder(t, readStore, "order-1")
	assert.Equal(t, "refunded", o.PaymentStatus)
	assert.NotNil(t, o.RefundedAt)
	assert.Zero(t, getCustomer(t, readStore, "ada@example.com").TotalSpent)

	require.NoError(t, projector.Publish(ctx, "", makeEvent("order-2", order.EventOrderPlaced, 1, placed("order-2", "bob@example.com"))))
	require.NoError(t, projector.Publish(ctx, "", makeEvent("order-2", order.EventOrderAbandoned, 2, order.OrderAbandoned{OrderID: "order-2"})))
	o = getOrder(t, readStore, "order-2")
	assert.Equal(t, "failed", o.PaymentStatus)
	assert.Equal(t, order.AbandonReason, o.FailureReason)
}

// ============================================
// Idempotence and replay
// ============================================

func TestProjector_RedeliveryIsIgnored(t *testing.T) {
	projector, readStore, _ := newTestProjector()
	ctx := context.Background()

	paid := makeEvent("order-1", order.EventPaymentCompleted, 2, order.PaymentConfirmed{OrderID: "order-1"})
	require.NoError(t, projector.Publish(ctx, "", makeEvent("order-1", order.EventOrderPlaced, 1, placed("order-1", "ada@example.com"))))
	require.NoError(t, projector.Publish(ctx, "", paid))
	require.NoError(t, projector.Publish(ctx, "", paid))
	require.NoError(t, projector.Publish(ctx, "", makeEvent("order-1", order.EventOrderPlaced, 1, placed("order-1", "ada@example.com"))))

	o := getOrder(t, readStore, "order-1")
	assert.Equal(t, "completed", o.PaymentStatus)
	assert.Equal(t, 2, o.Version)
	assert.Equal(t, 1, getCustomer(t, readStore, "ada@example.com").PaidCount)
}

func TestProjector_UpdateBeforePlacedIsSkipped(t *testing.T) {
	projector, readStore, _ := newTestProjector()

	err := projector.Publish(context.Background(), "", makeEvent("order-9", order.EventPaymentCompleted, 2, order.PaymentConfirmed{OrderID: "order-9"}))
	require.NoError(t, err)

	_, ok := readStore.GetData(readmodel.CollectionOrders, "order-9")
	assert.False(t, ok)
}

func TestProjector_ReplayDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	es := store.NewEventStore(nil)
	_, err := es.Append(ctx, "order-1", order.AggregateType, order.EventOrderPlaced, placed("order-1", "ada@example.com"), 0)
	require.NoError(t, err)
	_, err = es.Append(ctx, "order-1", order.AggregateType, order.EventPaymentCompleted, order.PaymentConfirmed{OrderID: "order-1"}, 1)
	require.NoError(t, err)

	projector, readStore, notifier := newTestProjector()
	n, err := projector.Replay(ctx, es)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, notifier.sent)
	assert.Equal(t, "completed", getOrder(t, readStore, "order-1").PaymentStatus)
}

func TestProjector_Errors(t *testing.T) {
	projector, readStore, notifier := newTestProjector()
	ctx := context.Background()

	assert.Error(t, projector.HandleEvent(ctx, nil, []byte("not json")))
	assert.Error(t, projector.Publish(ctx, "", "not an event"))

	// other aggregates are ignored
	other := makeEvent("x", "Something", 1, nil)
	other.AggregateType = "Listing"
	assert.NoError(t, projector.Publish(ctx, "", other))

	// notification failures never fail the projection
	notifier.err = errors.New("bus down")
	require.NoError(t, projector.Publish(ctx, "", makeEvent("order-1", order.EventOrderPlaced, 1, placed("order-1", "ada@example.com"))))
	getOrder(t, readStore, "order-1")

	readStore.Err = errors.New("db down")
	assert.Error(t, projector.Publish(ctx, "", makeEvent("order-2", order.EventOrderPlaced, 1, placed("order-2", "bob@example.com"))))
}
