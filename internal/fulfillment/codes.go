package fulfillment

import (
	"encoding/json"
	"fmt"

	"github.com/example/giftcard-fulfillment/internal/domain/inventory"
	"github.com/example/giftcard-fulfillment/internal/domain/order"
	"github.com/example/giftcard-fulfillment/internal/secrets"
)

// Code is a delivered gift card in the clear. It is only ever returned to the
// caller that fulfilled or resent the order.
type Code struct {
	ItemID string `json:"item_id"`
	Code   string `json:"code"`
	PIN    string `json:"pin,omitempty"`
	Serial string `json:"serial,omitempty"`
}

type sealedCode struct {
	Code   string `json:"c"`
	PIN    string `json:"p,omitempty"`
	Serial string `json:"s,omitempty"`
}

// SealCodes encrypts the payload of sold items for the order's event log.
func SealCodes(sealer *secrets.Sealer, items []inventory.Item) ([]order.DeliveredCode, error) {
	out := make([]order.DeliveredCode, len(items))
	for i, it := range items {
		raw, err := json.Marshal(sealedCode{Code: it.Secret.Code, PIN: it.Secret.PIN, Serial: it.Secret.Serial})
		if err != nil {
			return nil, err
		}
		sealed, err := sealer.Seal(raw)
		if err != nil {
			return nil, fmt.Errorf("seal item %s: %w", it.ID, err)
		}
		out[i] = order.DeliveredCode{ItemID: it.ID, Sealed: sealed}
	}
	return out, nil
}

// OpenCodes decrypts the codes attached to an order.
func OpenCodes(sealer *secrets.Sealer, delivered []order.DeliveredCode) ([]Code, error) {
	out := make([]Code, len(delivered))
	for i, d := range delivered {
		raw, err := sealer.Open(d.Sealed)
		if err != nil {
			return nil, fmt.Errorf("open item %s: %w", d.ItemID, err)
		}
		var sc sealedCode
		if err := json.Unmarshal(raw, &sc); err != nil {
			return nil, fmt.Errorf("decode item %s: %w", d.ItemID, err)
		}
		out[i] = Code{ItemID: d.ItemID, Code: sc.Code, PIN: sc.PIN, Serial: sc.Serial}
	}
	return out, nil
}
