package store

import (
	"encoding/json"

	"github.com/example/giftcard-fulfillment/internal/domain/inventory"
	"github.com/example/giftcard-fulfillment/internal/secrets"
)

// storedSecret is the plaintext layout sealed into an item's secret
// attribute. inventory.Secret masks itself when marshaled, so it cannot be
// encoded directly.
type storedSecret struct {
	Code   string `json:"code"`
	PIN    string `json:"pin,omitempty"`
	Serial string `json:"serial,omitempty"`
}

func sealSecret(sealer *secrets.Sealer, secret inventory.Secret) (string, error) {
	raw, err := json.Marshal(storedSecret{Code: secret.Code, PIN: secret.PIN, Serial: secret.Serial})
	if err != nil {
		return "", err
	}
	return sealer.Seal(raw)
}

func openSecret(sealer *secrets.Sealer, sealed string) (inventory.Secret, error) {
	raw, err := sealer.Open(sealed)
	if err != nil {
		return inventory.Secret{}, err
	}
	var ss storedSecret
	if err := json.Unmarshal(raw, &ss); err != nil {
		return inventory.Secret{}, err
	}
	return inventory.Secret{Code: ss.Code, PIN: ss.PIN, Serial: ss.Serial}, nil
}
