package order

import "time"

// Summary is the outward shape of an order used in webhook payloads and
// command responses. It carries item references, never code payloads.
type Summary struct {
	ID                string     `json:"id"`
	CompanyID         string     `json:"company_id"`
	ListingID         string     `json:"listing_id"`
	Denomination      int64      `json:"denomination"`
	Quantity          int        `json:"quantity"`
	Pricing           Pricing    `json:"pricing"`
	Customer          Customer   `json:"customer"`
	PaymentMethod     string     `json:"payment_method"`
	PaymentReference  string     `json:"payment_reference,omitempty"`
	PaymentStatus     string     `json:"payment_status"`
	FulfillmentStatus string     `json:"fulfillment_status"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	ItemIDs           []string   `json:"item_ids,omitempty"`
	FulfilledBy       string     `json:"fulfilled_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	FulfilledAt       *time.Time `json:"fulfilled_at,omitempty"`
	RefundedAt        *time.Time `json:"refunded_at,omitempty"`
}

func (o *Order) Summary() Summary {
	s := Summary{
		ID:                o.ID,
		CompanyID:         o.CompanyID,
		ListingID:         o.ListingID,
		Denomination:      o.Denomination,
		Quantity:          o.Quantity,
		Pricing:           o.Pricing,
		Customer:          o.Customer,
		PaymentMethod:     o.PaymentMethod,
		PaymentReference:  o.PaymentReference,
		PaymentStatus:     string(o.PaymentStatus),
		FulfillmentStatus: string(o.FulfillmentStatus),
		FailureReason:     o.FulfillmentFailure,
		FulfilledBy:       o.FulfilledBy,
		CreatedAt:         o.CreatedAt,
		PaidAt:            o.PaidAt,
		FulfilledAt:       o.FulfilledAt,
		RefundedAt:        o.RefundedAt,
	}
	if s.FailureReason == "" {
		s.FailureReason = o.PaymentFailure
	}
	for _, c := range o.Codes {
		s.ItemIDs = append(s.ItemIDs, c.ItemID)
	}
	return s
}
