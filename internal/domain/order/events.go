package order

import "time"

const (
	EventOrderPlaced       = "OrderPlaced"
	EventPaymentProcessing = "PaymentProcessing"
	EventPaymentCompleted  = "PaymentCompleted"
	EventPaymentFailed     = "PaymentFailed"
	EventOrderRefunded     = "OrderRefunded"
	EventOrderDisputed     = "OrderDisputed"
	EventOrderFulfilled    = "OrderFulfilled"
	EventFulfillmentFailed = "FulfillmentFailed"
	EventOrderAbandoned    = "OrderAbandoned"
	EventCodesResent       = "CodesResent"
)

// Pricing amounts are in minor units of Currency.
type Pricing struct {
	UnitPrice int64  `json:"unit_price"`
	Subtotal  int64  `json:"subtotal"`
	Discount  int64  `json:"discount"`
	Fee       int64  `json:"fee"`
	Total     int64  `json:"total"`
	Currency  string `json:"currency"`
}

type Customer struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// DeliveredCode references a sold inventory item. Sealed holds the code
// payload encrypted for storage in the event log.
type DeliveredCode struct {
	ItemID string `json:"item_id"`
	Sealed string `json:"sealed"`
}

type OrderPlaced struct {
	OrderID          string    `json:"order_id"`
	CompanyID        string    `json:"company_id"`
	ListingID        string    `json:"listing_id"`
	Denomination     int64     `json:"denomination"`
	Quantity         int       `json:"quantity"`
	Pricing          Pricing   `json:"pricing"`
	Customer         Customer  `json:"customer"`
	PaymentMethod    string    `json:"payment_method"`
	PaymentReference string    `json:"payment_reference,omitempty"`
	PlacedAt         time.Time `json:"placed_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

type PaymentProcessingStarted struct {
	OrderID string    `json:"order_id"`
	At      time.Time `json:"at"`
}

type PaymentConfirmed struct {
	OrderID   string    `json:"order_id"`
	Reference string    `json:"reference,omitempty"`
	PaidAt    time.Time `json:"paid_at"`
}

type PaymentDeclined struct {
	OrderID  string    `json:"order_id"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

type OrderRefunded struct {
	OrderID    string    `json:"order_id"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	RefundedAt time.Time `json:"refunded_at"`
}

type OrderDisputed struct {
	OrderID    string    `json:"order_id"`
	Reason     string    `json:"reason,omitempty"`
	DisputedAt time.Time `json:"disputed_at"`
}

type OrderFulfilled struct {
	OrderID     string          `json:"order_id"`
	Codes       []DeliveredCode `json:"codes"`
	FulfilledBy string          `json:"fulfilled_by"`
	FulfilledAt time.Time       `json:"fulfilled_at"`
}

type FulfillmentAttemptFailed struct {
	OrderID  string    `json:"order_id"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

type OrderAbandoned struct {
	OrderID     string    `json:"order_id"`
	AbandonedAt time.Time `json:"abandoned_at"`
}

type CodesResent struct {
	OrderID   string    `json:"order_id"`
	Recipient string    `json:"recipient"`
	Actor     string    `json:"actor,omitempty"`
	ResentAt  time.Time `json:"resent_at"`
}
