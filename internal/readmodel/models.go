package readmodel

import "time"

// Collections held by the read store
const (
	CollectionOrders    = "orders"
	CollectionCustomers = "customers"
)

// OrderReadModel is the read model for orders. It never carries code
// payloads; ItemIDs reference the sold inventory items.
type OrderReadModel struct {
	ID                string     `json:"id"`
	CompanyID         string     `json:"company_id"`
	ListingID         string     `json:"listing_id"`
	Denomination      int64      `json:"denomination"`
	Quantity          int        `json:"quantity"`
	Subtotal          int64      `json:"subtotal"`
	Discount          int64      `json:"discount"`
	Fee               int64      `json:"fee"`
	Total             int64      `json:"total"`
	Currency          string     `json:"currency"`
	CustomerEmail     string     `json:"customer_email"`
	CustomerName      string     `json:"customer_name,omitempty"`
	PaymentMethod     string     `json:"payment_method"`
	PaymentReference  string     `json:"payment_reference,omitempty"`
	PaymentStatus     string     `json:"payment_status"`
	FulfillmentStatus string     `json:"fulfillment_status"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	ItemIDs           []string   `json:"item_ids,omitempty"`
	FulfilledBy       string     `json:"fulfilled_by,omitempty"`
	ResendCount       int        `json:"resend_count"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	FulfilledAt       *time.Time `json:"fulfilled_at,omitempty"`
	RefundedAt        *time.Time `json:"refunded_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
	// Version is the last order event applied; replays at or below it are skipped.
	Version int `json:"version"`
}

// CustomerReadModel aggregates a company's customer across orders.
type CustomerReadModel struct {
	ID           string    `json:"id"`
	CompanyID    string    `json:"company_id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	OrderCount   int       `json:"order_count"`
	PaidCount    int       `json:"paid_count"`
	TotalSpent   int64     `json:"total_spent"`
	FirstOrderAt time.Time `json:"first_order_at"`
	LastOrderAt  time.Time `json:"last_order_at"`
}

// CustomerID keys a customer by company and normalized email.
func CustomerID(companyID, email string) string {
	return companyID + ":" + email
}
