package order

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/giftcard-fulfillment/internal/domain/errs"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/store"
)

const AggregateType = "Order"

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentDisputed   PaymentStatus = "disputed"
)

type FulfillmentStatus string

const (
	FulfillmentPending   FulfillmentStatus = "pending"
	FulfillmentFulfilled FulfillmentStatus = "fulfilled"
	FulfillmentFailed    FulfillmentStatus = "failed"
)

// AbandonReason is recorded as the payment failure of expired unpaid orders.
const AbandonReason = "expired"

var (
	ErrOrderNotFound       = fmt.Errorf("order: %w", errs.ErrNotFound)
	ErrInvalidTransition   = fmt.Errorf("order: %w", errs.ErrInvalidStateTransition)
	ErrPaymentNotCompleted = fmt.Errorf("payment is not completed: %w", errs.ErrInvalidStateTransition)
	ErrAlreadyFulfilled    = fmt.Errorf("order is already fulfilled: %w", errs.ErrInvalidStateTransition)
	ErrNotExpired          = fmt.Errorf("order has not expired: %w", errs.ErrInvalidStateTransition)
	ErrNotFulfilled        = fmt.Errorf("order is not fulfilled: %w", errs.ErrInvalidStateTransition)
	ErrCodeCountMismatch   = fmt.Errorf("code count does not match quantity: %w", errs.ErrValidation)
	ErrInvalidCheckout     = fmt.Errorf("checkout: %w", errs.ErrValidation)
	ErrUnknownPayment      = fmt.Errorf("unknown provider payment status: %w", errs.ErrValidation)
)

// A pending order leaves pending only through processing, except when it is
// abandoned past its expiry (see Abandon).
var validPaymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentProcessing},
	PaymentProcessing: {PaymentCompleted, PaymentFailed},
	PaymentCompleted:  {PaymentRefunded, PaymentDisputed},
	PaymentFailed:     {}, // terminal state
	PaymentRefunded:   {}, // terminal state
	PaymentDisputed:   {}, // terminal state
}

var validFulfillmentTransitions = map[FulfillmentStatus][]FulfillmentStatus{
	FulfillmentPending:   {FulfillmentFulfilled, FulfillmentFailed},
	FulfillmentFailed:    {FulfillmentFulfilled, FulfillmentFailed},
	FulfillmentFulfilled: {}, // terminal state
}

type Order struct {
	ID                 string            `json:"id"`
	CompanyID          string            `json:"company_id"`
	ListingID          string            `json:"listing_id"`
	Denomination       int64             `json:"denomination"`
	Quantity           int               `json:"quantity"`
	Pricing            Pricing           `json:"pricing"`
	Customer           Customer          `json:"customer"`
	PaymentMethod      string            `json:"payment_method"`
	PaymentReference   string            `json:"payment_reference,omitempty"`
	PaymentStatus      PaymentStatus     `json:"payment_status"`
	FulfillmentStatus  FulfillmentStatus `json:"fulfillment_status"`
	Codes              []DeliveredCode   `json:"codes,omitempty"`
	PaymentFailure     string            `json:"payment_failure,omitempty"`
	FulfillmentFailure string            `json:"fulfillment_failure,omitempty"`
	FulfilledBy        string            `json:"fulfilled_by,omitempty"`
	ResendCount        int               `json:"resend_count"`
	CreatedAt          time.Time         `json:"created_at"`
	ExpiresAt          time.Time         `json:"expires_at"`
	PaidAt             *time.Time        `json:"paid_at,omitempty"`
	FulfilledAt        *time.Time        `json:"fulfilled_at,omitempty"`
	RefundedAt         *time.Time        `json:"refunded_at,omitempty"`
	UpdatedAt          time.Time         `json:"updated_at"`
	Version            int               `json:"version"`
}

// Aggregate interface implementation
func (o *Order) GetID() string    { return o.ID }
func (o *Order) GetVersion() int  { return o.Version }
func (o *Order) SetVersion(v int) { o.Version = v }

// CanPaymentTransitionTo checks the payment axis.
func (o *Order) CanPaymentTransitionTo(target PaymentStatus) bool {
	for _, s := range validPaymentTransitions[o.PaymentStatus] {
		if s == target {
			return true
		}
	}
	return false
}

// CanFulfillmentTransitionTo checks the fulfillment axis only; reaching
// fulfilled also needs a completed payment, see CanBeFulfilled.
func (o *Order) CanFulfillmentTransitionTo(target FulfillmentStatus) bool {
	for _, s := range validFulfillmentTransitions[o.FulfillmentStatus] {
		if s == target {
			return true
		}
	}
	return false
}

// CanBeFulfilled reports whether codes may be allocated to the order now.
func (o *Order) CanBeFulfilled() bool {
	return o.PaymentStatus == PaymentCompleted &&
		(o.FulfillmentStatus == FulfillmentPending || o.FulfillmentStatus == FulfillmentFailed)
}

// CheckFulfillable returns the transition error explaining why the order
// cannot be fulfilled now, or nil.
func (o *Order) CheckFulfillable() error {
	if o.CanBeFulfilled() {
		return nil
	}
	return o.fulfillmentTransitionError()
}

// CanBeRefunded is true for paid orders whose codes were never handed out.
func (o *Order) CanBeRefunded() bool {
	return o.PaymentStatus == PaymentCompleted && o.FulfillmentStatus != FulfillmentFulfilled
}

// IsFulfilled reports whether codes have been attached.
func (o *Order) IsFulfilled() bool {
	return o.FulfillmentStatus == FulfillmentFulfilled
}

// ExpiredAt reports whether an unpaid order has passed its payment window.
func (o *Order) ExpiredAt(now time.Time) bool {
	return (o.PaymentStatus == PaymentPending || o.PaymentStatus == PaymentProcessing) &&
		!o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

func (o *Order) paymentTransitionError(target PaymentStatus) error {
	return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, o.PaymentStatus, target)
}

func (o *Order) fulfillmentTransitionError() error {
	switch {
	case o.FulfillmentStatus == FulfillmentFulfilled:
		return ErrAlreadyFulfilled
	case o.PaymentStatus != PaymentCompleted:
		return fmt.Errorf("%w (payment %s)", ErrPaymentNotCompleted, o.PaymentStatus)
	default:
		return fmt.Errorf("%w: fulfillment %s", ErrInvalidTransition, o.FulfillmentStatus)
	}
}

// ApplyEvent applies a single event to the order state (implements aggregate.Aggregate)
func (o *Order) ApplyEvent(event store.Event) error {
	switch event.EventType {
	case EventOrderPlaced:
		var data OrderPlaced
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return err
		}
		o.ID = data.OrderID
		o.CompanyID = data.CompanyID
		o.ListingID = data.ListingID
		o.Denomination = data.Denomination
		o.Quantity = data.Quantity
		o.Pricing = data.Pricing
		o.Customer = data.Customer
		o.PaymentMethod = data.PaymentMethod
		o.PaymentReference = data.PaymentReference
		o.PaymentStatus = PaymentPending
		o.FulfillmentStatus = FulfillmentPending
		o.CreatedAt = data.PlacedAt
		o.ExpiresAt = data.ExpiresAt
		o.UpdatedAt = data.PlacedAt
	case EventPaymentProcessing:
		var data PaymentProcessingStarted
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return err
		}
		o.PaymentStatus = PaymentProcessing
		o.UpdatedAt = data.At
	case EventPaymentCompleted:
		var data PaymentConfirmed
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return err
		}
		o.PaymentStatus = PaymentCompleted
		if data.Reference != "" {
			o.PaymentReference = data.Reference
		}
		paidAt := data.PaidAt
		o.PaidAt = &paidAt
		o.UpdatedAt = data.PaidAt
	case EventPaymentFailed:
		var data PaymentDeclined
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return err
		}
		o.PaymentStatus = PaymentFailed
		o.PaymentFailure = data.Reason
		o.UpdatedAt = data.FailedAt
	case EventOrderAbandoned:
		var data OrderAbandoned
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return err
		}
		o.PaymentStatus = PaymentFailed
		o.PaymentFailure = AbandonReason
		o.UpdatedAt = data.AbandonedAt
	case EventOrderRefunded:
		var data OrderRefunded
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return err
		}
		o.PaymentStatus = PaymentRefunded
		refundedAt := data.RefundedAt
		o.RefundedAt = &refundedAt
		o.UpdatedAt = data.RefundedAt
	case EventOrderDisputed:
		var data OrderDisputed
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return err
		}
		o.PaymentStatus = PaymentDisputed
		o.UpdatedAt = data.DisputedAt
	case EventOrderFulfilled:
		var data OrderFulfilled
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return err
		}
		o.FulfillmentStatus = FulfillmentFulfilled
		o.Codes = data.Codes
		o.FulfilledBy = data.FulfilledBy
		o.FulfillmentFailure = ""
		fulfilledAt := data.FulfilledAt
		o.FulfilledAt = &fulfilledAt
		o.UpdatedAt = data.FulfilledAt
	case EventFulfillmentFailed:
		var data FulfillmentAttemptFailed
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return err
		}
		o.FulfillmentStatus = FulfillmentFailed
		o.FulfillmentFailure = data.Reason
		o.UpdatedAt = data.FailedAt
	case EventCodesResent:
		var data CodesResent
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return err
		}
		o.ResendCount++
		o.UpdatedAt = data.ResentAt
	}
	o.Version = event.Version
	return nil
}
