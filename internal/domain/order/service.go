package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/giftcard-fulfillment/internal/domain/aggregate"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/store"
	"github.com/google/uuid"
)

const (
	DefaultTTL      = 30 * time.Minute
	DefaultCurrency = "USD"
	MaxQuantity     = 100
)

// Checkout is the input for placing an order. UnitPrice defaults to the
// denomination when zero.
type Checkout struct {
	CompanyID        string
	ListingID        string
	Denomination     int64
	Quantity         int
	UnitPrice        int64
	Discount         int64
	Currency         string
	Customer         Customer
	PaymentMethod    string
	PaymentReference string
}

type Service struct {
	eventStore     store.EventStoreInterface
	ttl            time.Duration
	feeBasisPoints int64
	now            func() time.Time
}

type Option func(*Service)

// WithTTL sets how long an unpaid order stays open.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithFeeBasisPoints charges a service fee on the discounted subtotal.
func WithFeeBasisPoints(bps int64) Option {
	return func(s *Service) { s.feeBasisPoints = bps }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(es store.EventStoreInterface, opts ...Option) *Service {
	s := &Service{
		eventStore: es,
		ttl:        DefaultTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// loadOrder loads an order by replaying events, using snapshot if available
func (s *Service) loadOrder(ctx context.Context, orderID string) (*Order, error) {
	order, found, err := aggregate.LoadAggregate(ctx, s.eventStore, orderID, func() *Order {
		return &Order{}
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) record(ctx context.Context, o *Order, eventType string, data any) (*Order, error) {
	if _, err := aggregate.Record(ctx, s.eventStore, o, AggregateType, eventType, data); err != nil {
		return nil, err
	}
	return o, nil
}

// Get returns the current state of an order.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.loadOrder(ctx, orderID)
}

// Price computes the order pricing for a checkout.
func (s *Service) Price(c Checkout) Pricing {
	unit := c.UnitPrice
	if unit == 0 {
		unit = c.Denomination
	}
	subtotal := unit * int64(c.Quantity)
	discount := min(max(c.Discount, 0), subtotal)
	fee := (subtotal - discount) * s.feeBasisPoints / 10000
	currency := strings.ToUpper(strings.TrimSpace(c.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	return Pricing{
		UnitPrice: unit,
		Subtotal:  subtotal,
		Discount:  discount,
		Fee:       fee,
		Total:     subtotal - discount + fee,
		Currency:  currency,
	}
}

func validateCheckout(c Checkout) error {
	switch {
	case c.CompanyID == "":
		return fmt.Errorf("%w: company is required", ErrInvalidCheckout)
	case c.ListingID == "":
		return fmt.Errorf("%w: listing is required", ErrInvalidCheckout)
	case c.Denomination <= 0:
		return fmt.Errorf("%w: denomination must be positive", ErrInvalidCheckout)
	case c.Quantity <= 0 || c.Quantity > MaxQuantity:
		return fmt.Errorf("%w: quantity must be between 1 and %d", ErrInvalidCheckout, MaxQuantity)
	case c.UnitPrice < 0:
		return fmt.Errorf("%w: unit price must not be negative", ErrInvalidCheckout)
	case !strings.Contains(c.Customer.Email, "@"):
		return fmt.Errorf("%w: customer email is required", ErrInvalidCheckout)
	}
	return nil
}

// Place records a new pending order.
func (s *Service) Place(ctx context.Context, c Checkout) (*Order, error) {
	if err := validateCheckout(c); err != nil {
		return nil, err
	}

	now := s.now()
	o := &Order{ID: uuid.New().String()}
	event := OrderPlaced{
		OrderID:          o.ID,
		CompanyID:        c.CompanyID,
		ListingID:        c.ListingID,
		Denomination:     c.Denomination,
		Quantity:         c.Quantity,
		Pricing:          s.Price(c),
		Customer:         Customer{Email: strings.ToLower(strings.TrimSpace(c.Customer.Email)), Name: c.Customer.Name},
		PaymentMethod:    c.PaymentMethod,
		PaymentReference: c.PaymentReference,
		PlacedAt:         now,
		ExpiresAt:        now.Add(s.ttl),
	}
	return s.record(ctx, o, EventOrderPlaced, event)
}

// MarkProcessing records that the provider has the payment in flight.
func (s *Service) MarkProcessing(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.CanPaymentTransitionTo(PaymentProcessing) {
		return nil, o.paymentTransitionError(PaymentProcessing)
	}
	return s.record(ctx, o, EventPaymentProcessing, PaymentProcessingStarted{OrderID: orderID, At: s.now()})
}

// startProcessing records the processing step for a still-pending order so a
// settled payment always passes through it.
func (s *Service) startProcessing(ctx context.Context, o *Order) error {
	if o.PaymentStatus != PaymentPending {
		return nil
	}
	_, err := s.record(ctx, o, EventPaymentProcessing, PaymentProcessingStarted{OrderID: o.ID, At: s.now()})
	return err
}

// ConfirmPayment marks the payment completed.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, reference string) (*Order, error) {
	o, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.startProcessing(ctx, o); err != nil {
		return nil, err
	}
	if !o.CanPaymentTransitionTo(PaymentCompleted) {
		return nil, o.paymentTransitionError(PaymentCompleted)
	}
	return s.record(ctx, o, EventPaymentCompleted, PaymentConfirmed{OrderID: orderID, Reference: reference, PaidAt: s.now()})
}

// FailPayment marks the payment failed with a reason.
func (s *Service) FailPayment(ctx context.Context, orderID, reason string) (*Order, error) {
	o, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.startProcessing(ctx, o); err != nil {
		return nil, err
	}
	if !o.CanPaymentTransitionTo(PaymentFailed) {
		return nil, o.paymentTransitionError(PaymentFailed)
	}
	return s.record(ctx, o, EventPaymentFailed, PaymentDeclined{OrderID: orderID, Reason: reason, FailedAt: s.now()})
}

// ParseProviderStatus maps a payment provider's status string onto the
// payment axis.
func ParseProviderStatus(status string) (PaymentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "pending", "created", "requires_payment":
		return PaymentPending, nil
	case "processing", "in_progress", "pending_confirmation":
		return PaymentProcessing, nil
	case "completed", "paid", "succeeded", "success", "confirmed":
		return PaymentCompleted, nil
	case "failed", "declined", "cancelled", "canceled", "expired", "rejected":
		return PaymentFailed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPayment, status)
}

// ApplyVerification moves the order along the payment axis according to a
// provider status. Repeating a status the order already has is a no-op.
func (s *Service) ApplyVerification(ctx context.Context, orderID, providerStatus, reference string) (*Order, error) {
	target, err := ParseProviderStatus(providerStatus)
	if err != nil {
		return nil, err
	}

	o, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus == target {
		return o, nil
	}

	switch target {
	case PaymentPending:
		return o, nil
	case PaymentProcessing:
		return s.MarkProcessing(ctx, orderID)
	case PaymentCompleted:
		return s.ConfirmPayment(ctx, orderID, reference)
	default:
		return s.FailPayment(ctx, orderID, "payment "+strings.ToLower(providerStatus))
	}
}

// Refund moves a paid, unfulfilled order to refunded.
func (s *Service) Refund(ctx context.Context, orderID, reason, actor string) (*Order, error) {
	o, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.CanBeRefunded() {
		if o.IsFulfilled() {
			return nil, fmt.Errorf("%w: codes were delivered", ErrAlreadyFulfilled)
		}
		return nil, o.paymentTransitionError(PaymentRefunded)
	}
	return s.record(ctx, o, EventOrderRefunded, OrderRefunded{OrderID: orderID, Reason: reason, Actor: actor, RefundedAt: s.now()})
}

// Dispute records a chargeback on a completed payment.
func (s *Service) Dispute(ctx context.Context, orderID, reason string) (*Order, error) {
	o, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.CanPaymentTransitionTo(PaymentDisputed) {
		return nil, o.paymentTransitionError(PaymentDisputed)
	}
	return s.record(ctx, o, EventOrderDisputed, OrderDisputed{OrderID: orderID, Reason: reason, DisputedAt: s.now()})
}

// MarkFulfilled attaches delivered codes. The append is versioned, so only
// one of several concurrent callers can succeed.
func (s *Service) MarkFulfilled(ctx context.Context, orderID string, codes []DeliveredCode, actor string) (*Order, error) {
	o, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.CanBeFulfilled() {
		return nil, o.fulfillmentTransitionError()
	}
	if len(codes) != o.Quantity {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrCodeCountMismatch, len(codes), o.Quantity)
	}
	return s.record(ctx, o, EventOrderFulfilled, OrderFulfilled{
		OrderID:     orderID,
		Codes:       codes,
		FulfilledBy: actor,
		FulfilledAt: s.now(),
	})
}

// MarkFulfillmentFailed records why codes could not be delivered to a paid
// order. The order stays retryable.
func (s *Service) MarkFulfillmentFailed(ctx context.Context, orderID, reason string) (*Order, error) {
	o, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := o.CheckFulfillable(); err != nil {
		return nil, err
	}
	return s.record(ctx, o, EventFulfillmentFailed, FulfillmentAttemptFailed{OrderID: orderID, Reason: reason, FailedAt: s.now()})
}

// Abandon fails the payment of an unpaid order past its expiry.
func (s *Service) Abandon(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus != PaymentPending && o.PaymentStatus != PaymentProcessing {
		return nil, o.paymentTransitionError(PaymentFailed)
	}
	if !o.ExpiredAt(s.now()) {
		return nil, ErrNotExpired
	}
	return s.record(ctx, o, EventOrderAbandoned, OrderAbandoned{OrderID: orderID, AbandonedAt: s.now()})
}

// RecordResend notes that delivered codes were sent again.
func (s *Service) RecordResend(ctx context.Context, orderID, recipient, actor string) (*Order, error) {
	o, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsFulfilled() {
		return nil, ErrNotFulfilled
	}
	if recipient == "" {
		recipient = o.Customer.Email
	}
	return s.record(ctx, o, EventCodesResent, CodesResent{OrderID: orderID, Recipient: recipient, Actor: actor, ResentAt: s.now()})
}
