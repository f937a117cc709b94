package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotThreshold(t *testing.T) {
	assert.Equal(t, 10, SnapshotThreshold)
}

func TestEventStore_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	es := NewEventStore(nil)

	missing, err := es.GetSnapshot(ctx, "order-123")
	require.NoError(t, err)
	assert.Nil(t, missing)

	state, err := json.Marshal(map[string]any{"id": "order-123", "payment_status": "completed"})
	require.NoError(t, err)

	require.NoError(t, es.SaveSnapshot(ctx, &Snapshot{
		AggregateID:   "order-123",
		AggregateType: "Order",
		Version:       10,
		State:         state,
		CreatedAt:     time.Now(),
	}))

	got, err := es.GetSnapshot(ctx, "order-123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 10, got.Version)
	assert.JSONEq(t, string(state), string(got.State))

	// later snapshots replace earlier ones
	require.NoError(t, es.SaveSnapshot(ctx, &Snapshot{AggregateID: "order-123", Version: 20, State: state}))
	got, err = es.GetSnapshot(ctx, "order-123")
	require.NoError(t, err)
	assert.Equal(t, 20, got.Version)
}
