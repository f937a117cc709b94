package command

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/example/giftcard-fulfillment/internal/domain/inventory"
	"github.com/example/giftcard-fulfillment/internal/domain/order"
	"github.com/example/giftcard-fulfillment/internal/fulfillment"
	"github.com/example/giftcard-fulfillment/internal/metrics"
	"github.com/example/giftcard-fulfillment/internal/payment"
	"github.com/example/giftcard-fulfillment/internal/ratelimit"
	"github.com/example/giftcard-fulfillment/internal/secrets"
	"github.com/example/giftcard-fulfillment/internal/webhook"
)

const (
	DefaultResendLimit  = 3
	DefaultResendWindow = time.Hour
)

type Handler struct {
	orders       *order.Service
	ledger       *inventory.Ledger
	coordinator  *fulfillment.Coordinator
	webhooks     *webhook.Dispatcher
	verifier     payment.Verifier
	sealer       *secrets.Sealer
	notifier     webhook.Notifier
	limiter      ratelimit.Limiter
	resendLimit  int
	resendWindow time.Duration
	autoFulfill  bool
}

type Option func(*Handler)

// WithNotifier sets where order webhooks are emitted. Without one the
// handler emits nothing, which is the case when a stream relay announces
// order events instead.
func WithNotifier(n webhook.Notifier) Option {
	return func(h *Handler) { h.notifier = n }
}

// WithResendLimit caps resends per recipient within a window.
func WithResendLimit(l ratelimit.Limiter, limit int, window time.Duration) Option {
	return func(h *Handler) {
		h.limiter = l
		if limit > 0 {
			h.resendLimit = limit
		}
		if window > 0 {
			h.resendWindow = window
		}
	}
}

// WithAutoFulfill fulfills orders as soon as their payment is verified.
func WithAutoFulfill(on bool) Option {
	return func(h *Handler) { h.autoFulfill = on }
}

func NewHandler(
	orders *order.Service,
	ledger *inventory.Ledger,
	coordinator *fulfillment.Coordinator,
	webhooks *webhook.Dispatcher,
	verifier payment.Verifier,
	sealer *secrets.Sealer,
	opts ...Option,
) *Handler {
	h := &Handler{
		orders:       orders,
		ledger:       ledger,
		coordinator:  coordinator,
		webhooks:     webhooks,
		verifier:     verifier,
		sealer:       sealer,
		limiter:      ratelimit.NewMemoryLimiter(),
		resendLimit:  DefaultResendLimit,
		resendWindow: DefaultResendWindow,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ============================================
// Orders
// ============================================

// PlaceOrder opens a pending order and announces order.created.
func (h *Handler) PlaceOrder(ctx context.Context, cmd PlaceOrder) (*order.Order, error) {
	o, err := h.orders.Place(ctx, order.Checkout{
		CompanyID:        cmd.CompanyID,
		ListingID:        cmd.ListingID,
		Denomination:     cmd.Denomination,
		Quantity:         cmd.Quantity,
		UnitPrice:        cmd.UnitPrice,
		Discount:         cmd.Discount,
		Currency:         cmd.Currency,
		Customer:         order.Customer{Email: cmd.CustomerEmail, Name: cmd.CustomerName},
		PaymentMethod:    cmd.PaymentMethod,
		PaymentReference: cmd.PaymentReference,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[Command] Placed order %s for company %s (%d x %d)", o.ID, o.CompanyID, o.Quantity, o.Denomination)
	h.notify(ctx, o, webhook.EventOrderCreated, o.Summary())
	return o, nil
}

// PaymentOutcome is the result of a verification. When auto-fulfillment ran
// and failed, FulfillmentErr carries the reason while the payment result
// still stands.
type PaymentOutcome struct {
	Order          *order.Order
	Fulfillment    *fulfillment.Result
	FulfillmentErr error
}

// VerifyPayment asks the provider about the order's payment and moves the
// order accordingly. A newly completed payment emits order.paid and, with
// auto-fulfillment on, allocates codes right away.
func (h *Handler) VerifyPayment(ctx context.Context, cmd VerifyPayment) (*PaymentOutcome, error) {
	o, err := h.ownedOrder(ctx, cmd.CompanyID, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	before := o.PaymentStatus

	reference := cmd.Reference
	if reference == "" {
		reference = o.PaymentReference
	}
	v, err := h.verifier.Verify(ctx, payment.Request{
		OrderID:   o.ID,
		Reference: reference,
		Method:    o.PaymentMethod,
		Amount:    o.Pricing.Total,
		Currency:  o.Pricing.Currency,
	})
	if err != nil {
		log.Printf("[Command] Payment verification for order %s failed: %v", o.ID, err)
		return nil, err
	}
	if v.Reference == "" {
		v.Reference = reference
	}

	o, err = h.orders.ApplyVerification(ctx, o.ID, v.Status, v.Reference)
	if err != nil {
		return nil, err
	}
	out := &PaymentOutcome{Order: o}
	if o.PaymentStatus == before {
		return out, nil
	}
	log.Printf("[Command] Order %s payment %s -> %s", o.ID, before, o.PaymentStatus)

	if o.PaymentStatus != order.PaymentCompleted {
		return out, nil
	}
	h.notify(ctx, o, webhook.EventOrderPaid, o.Summary())

	if h.autoFulfill && o.CanBeFulfilled() {
		res, err := h.coordinator.FulfillOrder(ctx, o.ID, cmd.Actor)
		if err != nil {
			out.FulfillmentErr = err
			if reloaded, getErr := h.orders.Get(ctx, o.ID); getErr == nil {
				out.Order = reloaded
			}
			return out, nil
		}
		out.Fulfillment = res
		out.Order = res.Order
	}
	return out, nil
}

// FulfillOrder allocates codes to a paid order. Codes come back in the clear
// and only to this caller.
func (h *Handler) FulfillOrder(ctx context.Context, cmd FulfillOrder) (*fulfillment.Result, error) {
	if _, err := h.ownedOrder(ctx, cmd.CompanyID, cmd.OrderID); err != nil {
		return nil, err
	}
	if cmd.Retry {
		return h.coordinator.RetryFailed(ctx, cmd.OrderID, cmd.Actor)
	}
	return h.coordinator.FulfillOrder(ctx, cmd.OrderID, cmd.Actor)
}

// RefundOrder refunds a paid order whose codes were never delivered.
func (h *Handler) RefundOrder(ctx context.Context, cmd RefundOrder) (*order.Order, error) {
	if _, err := h.ownedOrder(ctx, cmd.CompanyID, cmd.OrderID); err != nil {
		return nil, err
	}
	o, err := h.orders.Refund(ctx, cmd.OrderID, cmd.Reason, cmd.Actor)
	if err != nil {
		return nil, err
	}
	log.Printf("[Command] Refunded order %s", o.ID)
	h.notify(ctx, o, webhook.EventOrderRefunded, o.Summary())
	return o, nil
}

// Resend is the outcome of ResendCodes.
type Resend struct {
	Order     *order.Order
	Recipient string
	Codes     []fulfillment.Code
}

// codesResent is the order.codes_resent payload. It names the recipient
// but never carries codes.
type codesResent struct {
	order.Summary
	Recipient   string `json:"recipient"`
	ResendCount int    `json:"resend_count"`
}

// ResendCodes hands the delivered codes of a fulfilled order out again,
// limited per recipient.
func (h *Handler) ResendCodes(ctx context.Context, cmd ResendCodes) (*Resend, error) {
	o, err := h.ownedOrder(ctx, cmd.CompanyID, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if !o.IsFulfilled() {
		return nil, order.ErrNotFulfilled
	}

	recipient := strings.ToLower(strings.TrimSpace(cmd.Recipient))
	if recipient == "" {
		recipient = o.Customer.Email
	}
	key := ratelimit.Key(ratelimit.ScopeResendTarget, o.CompanyID+":"+recipient)
	if _, err := h.limiter.Check(ctx, key, h.resendLimit, h.resendWindow); err != nil {
		var tooMany *ratelimit.TooManyRequestsError
		if errors.As(err, &tooMany) {
			metrics.RateLimitRejections.WithLabelValues(ratelimit.ScopeResendTarget).Inc()
		}
		return nil, err
	}

	codes, err := fulfillment.OpenCodes(h.sealer, o.Codes)
	if err != nil {
		return nil, err
	}
	o, err = h.orders.RecordResend(ctx, o.ID, recipient, cmd.Actor)
	if err != nil {
		return nil, err
	}
	log.Printf("[Command] Resent %d codes of order %s", len(codes), o.ID)
	h.notify(ctx, o, webhook.EventOrderCodesResent, codesResent{
		Summary:     o.Summary(),
		Recipient:   recipient,
		ResendCount: o.ResendCount,
	})
	return &Resend{Order: o, Recipient: recipient, Codes: codes}, nil
}

func (h *Handler) ownedOrder(ctx context.Context, companyID, orderID string) (*order.Order, error) {
	o, err := h.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.CompanyID != companyID {
		return nil, order.ErrOrderNotFound
	}
	return o, nil
}

func (h *Handler) notify(ctx context.Context, o *order.Order, eventType string, data any) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Trigger(ctx, o.CompanyID, eventType, data); err != nil {
		log.Printf("[Command] Failed to emit %s for order %s: %v", eventType, o.ID, err)
	}
}

// ============================================
// Inventory
// ============================================

// UploadInventory adds a batch of codes to a listing and returns the new
// item ids.
func (h *Handler) UploadInventory(ctx context.Context, cmd UploadInventory) ([]string, error) {
	secretsIn := make([]inventory.Secret, len(cmd.Codes))
	for i, c := range cmd.Codes {
		secretsIn[i] = inventory.Secret{Code: c.Code, PIN: c.PIN, Serial: c.Serial}
	}
	items, err := h.ledger.AddItems(ctx, inventory.NewItems{
		ListingID:    cmd.ListingID,
		CompanyID:    cmd.CompanyID,
		Denomination: cmd.Denomination,
		Secrets:      secretsIn,
		ExpiresAt:    cmd.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}
	return inventory.IDs(items), nil
}

// Availability counts the company's unexpired available codes of a
// denomination.
func (h *Handler) Availability(ctx context.Context, companyID, listingID string, denomination int64) (int, error) {
	if denomination <= 0 {
		return 0, inventory.ErrInvalidDenomination
	}
	return h.ledger.CountAvailable(ctx, inventory.Pool{CompanyID: companyID, ListingID: listingID, Denomination: denomination})
}

// ============================================
// Webhook endpoints
// ============================================

func (h *Handler) RegisterEndpoint(ctx context.Context, cmd RegisterEndpoint) (*webhook.Endpoint, error) {
	return h.webhooks.Register(ctx, webhook.EndpointInput{
		CompanyID: cmd.CompanyID,
		URL:       cmd.URL,
		Events:    cmd.Events,
		Secret:    cmd.Secret,
	})
}

func (h *Handler) UpdateEndpoint(ctx context.Context, cmd UpdateEndpoint) (*webhook.Endpoint, error) {
	return h.webhooks.Update(ctx, cmd.CompanyID, cmd.EndpointID, cmd.URL, cmd.Events)
}

func (h *Handler) RemoveEndpoint(ctx context.Context, companyID, endpointID string) error {
	return h.webhooks.Remove(ctx, companyID, endpointID)
}

// SetEndpointEnabled is the operator switch. Enabling also clears a tripped
// circuit.
func (h *Handler) SetEndpointEnabled(ctx context.Context, companyID, endpointID string, enabled bool) (*webhook.Endpoint, error) {
	if enabled {
		return h.webhooks.Enable(ctx, companyID, endpointID)
	}
	return h.webhooks.Disable(ctx, companyID, endpointID)
}

func (h *Handler) TestEndpoint(ctx context.Context, companyID, endpointID string) (*webhook.DeliveryRecord, error) {
	return h.webhooks.TestEndpoint(ctx, companyID, endpointID)
}

func (h *Handler) ListEndpoints(ctx context.Context, companyID string) ([]*webhook.Endpoint, error) {
	return h.webhooks.List(ctx, companyID)
}

func (h *Handler) GetEndpoint(ctx context.Context, companyID, endpointID string) (*webhook.Endpoint, error) {
	return h.webhooks.Get(ctx, companyID, endpointID)
}

func (h *Handler) Deliveries(ctx context.Context, companyID, endpointID string, limit int) ([]*webhook.DeliveryRecord, error) {
	return h.webhooks.Deliveries(ctx, companyID, endpointID, limit)
}
