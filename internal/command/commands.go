package command

import "time"

// Order Commands
type PlaceOrder struct {
	CompanyID        string `json:"-"`
	ListingID        string `json:"listing_id"`
	Denomination     int64  `json:"denomination"`
	Quantity         int    `json:"quantity"`
	UnitPrice        int64  `json:"unit_price"`
	Discount         int64  `json:"discount"`
	Currency         string `json:"currency"`
	CustomerEmail    string `json:"customer_email"`
	CustomerName     string `json:"customer_name"`
	PaymentMethod    string `json:"payment_method"`
	PaymentReference string `json:"payment_reference"`
}

type VerifyPayment struct {
	CompanyID string `json:"-"`
	OrderID   string `json:"-"`
	Actor     string `json:"-"`
	Reference string `json:"reference"`
}

type FulfillOrder struct {
	CompanyID string `json:"-"`
	OrderID   string `json:"-"`
	Actor     string `json:"-"`
	// Retry restricts the call to orders whose last fulfillment failed.
	Retry bool `json:"retry"`
}

type RefundOrder struct {
	CompanyID string `json:"-"`
	OrderID   string `json:"-"`
	Actor     string `json:"-"`
	Reason    string `json:"reason"`
}

type ResendCodes struct {
	CompanyID string `json:"-"`
	OrderID   string `json:"-"`
	Actor     string `json:"-"`
	Recipient string `json:"recipient"`
}

// Inventory Commands
type CodeInput struct {
	Code   string `json:"code"`
	PIN    string `json:"pin,omitempty"`
	Serial string `json:"serial,omitempty"`
}

type UploadInventory struct {
	CompanyID    string      `json:"-"`
	ListingID    string      `json:"-"`
	Denomination int64       `json:"denomination"`
	Codes        []CodeInput `json:"codes"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
}

// Webhook Commands
type RegisterEndpoint struct {
	CompanyID string   `json:"-"`
	URL       string   `json:"url"`
	Events    []string `json:"events"`
	Secret    string   `json:"secret,omitempty"`
}

type UpdateEndpoint struct {
	CompanyID  string   `json:"-"`
	EndpointID string   `json:"-"`
	URL        string   `json:"url"`
	Events     []string `json:"events"`
}
