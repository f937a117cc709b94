package inventory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/giftcard-fulfillment/internal/secrets"
)

// Status is the lifecycle state of a single gift-card code.
type Status string

const (
	StatusAvailable Status = "available"
	StatusReserved  Status = "reserved"
	StatusSold      Status = "sold"
	StatusInvalid   Status = "invalid"
	StatusExpired   Status = "expired"
)

// validTransitions lists the forward moves an item may make.
// reserved -> available exists only for Release.
var validTransitions = map[Status][]Status{
	StatusAvailable: {StatusReserved, StatusInvalid, StatusExpired},
	StatusReserved:  {StatusAvailable, StatusSold, StatusInvalid, StatusExpired},
	StatusSold:      {StatusInvalid},
}

// CanTransitionTo reports whether an item in status s may move to target.
func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Secret is the redeemable payload of a gift card. It never prints or
// serializes its contents; stores and the fulfillment response read the
// fields directly.
type Secret struct {
	Code   string
	PIN    string
	Serial string
}

func (s Secret) String() string {
	return fmt.Sprintf("Secret{code:%s}", secrets.Mask(s.Code))
}

func (s Secret) GoString() string {
	return s.String()
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"code": secrets.Mask(s.Code)})
}

// Item is one secret code in a listing's pool.
type Item struct {
	ID           string     `json:"id"`
	ListingID    string     `json:"listing_id"`
	CompanyID    string     `json:"company_id"`
	Denomination int64      `json:"denomination"`
	Secret       Secret     `json:"secret"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ReservedAt   *time.Time `json:"reserved_at,omitempty"`
	OrderID      string     `json:"order_id,omitempty"`
	SoldAt       *time.Time `json:"sold_at,omitempty"`
	Recipient    string     `json:"recipient,omitempty"`
}

// ExpiredAt reports whether the item has passed its expiry at now.
func (i Item) ExpiredAt(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

// Transition is a conditional status change. Stores apply it only when the
// item's current status equals From.
type Transition struct {
	ID        string
	From      Status
	To        Status
	At        time.Time
	OrderID   string
	Recipient string
}

// Check rejects transitions the item lifecycle does not allow. Stores call
// it before applying t.
func (t Transition) Check() error {
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidItemTransition, t.From, t.To)
	}
	return nil
}

// Apply mutates item as the transition describes. Stores that hold items in
// memory use it so all backends stamp the same fields.
func (t Transition) Apply(item *Item) {
	item.Status = t.To
	at := t.At
	switch t.To {
	case StatusReserved:
		item.ReservedAt = &at
	case StatusAvailable:
		item.ReservedAt = nil
	case StatusSold:
		item.OrderID = t.OrderID
		item.Recipient = t.Recipient
		item.SoldAt = &at
	}
}

// IDs returns the identifiers of items in order.
func IDs(items []Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

// Fingerprint identifies a code within a listing without revealing it.
// Stores use it to reject codes uploaded twice.
func Fingerprint(listingID, code string) string {
	sum := sha256.Sum256([]byte(listingID + "\x00" + code))
	return hex.EncodeToString(sum[:])
}
