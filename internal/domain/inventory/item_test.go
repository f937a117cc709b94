package inventory

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusAvailable, StatusReserved, true},
		{StatusReserved, StatusSold, true},
		{StatusReserved, StatusAvailable, true},
		{StatusSold, StatusInvalid, true},
		{StatusAvailable, StatusSold, false},
		{StatusSold, StatusAvailable, false},
		{StatusExpired, StatusAvailable, false},
		{StatusInvalid, StatusReserved, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestSecret_NeverPrintsCode(t *testing.T) {
	item := Item{ID: "i-1", Secret: Secret{Code: "SUPER-SECRET-9876", PIN: "1234"}}

	assert.NotContains(t, fmt.Sprintf("%v", item), "SUPER-SECRET")
	assert.NotContains(t, fmt.Sprintf("%+v", item), "SUPER-SECRET")
	assert.NotContains(t, fmt.Sprintf("%#v", item.Secret), "SUPER-SECRET")

	b, err := json.Marshal(item)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "SUPER-SECRET")
	assert.NotContains(t, string(b), "1234")
	assert.Contains(t, string(b), "9876")
}

func TestTransition_Apply(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	item := Item{Status: StatusAvailable}

	Transition{To: StatusReserved, At: at}.Apply(&item)
	require.NotNil(t, item.ReservedAt)

	Transition{To: StatusSold, At: at, OrderID: "o-1", Recipient: "r@example.com"}.Apply(&item)
	assert.Equal(t, StatusSold, item.Status)
	assert.Equal(t, "o-1", item.OrderID)
	require.NotNil(t, item.SoldAt)
	assert.Equal(t, at, *item.SoldAt)
}

func TestFingerprint_ScopedToListing(t *testing.T) {
	assert.Equal(t, Fingerprint("l1", "A"), Fingerprint("l1", "A"))
	assert.NotEqual(t, Fingerprint("l1", "A"), Fingerprint("l2", "A"))
	assert.NotContains(t, Fingerprint("l1", "CODE"), "CODE")
}
