package kinesis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/giftcard-fulfillment/internal/infrastructure/store"
)

func orderImage(id string, version string) map[string]events.DynamoDBAttributeValue {
	return map[string]events.DynamoDBAttributeValue{
		"id":             events.NewStringAttribute(id),
		"aggregate_id":   events.NewStringAttribute("order-456"),
		"aggregate_type": events.NewStringAttribute("Order"),
		"event_type":     events.NewStringAttribute("OrderPlaced"),
		"data":           events.NewStringAttribute(`{"order_id":"order-456"}`),
		"created_at":     events.NewStringAttribute("2026-01-15T10:30:00.123456789Z"),
		"version":        events.NewNumberAttribute(version),
		"gsi1pk":         events.NewStringAttribute("EVENTS"),
	}
}

func kinesisRecord(t *testing.T, seq, eventName string, image map[string]events.DynamoDBAttributeValue) events.KinesisEventRecord {
	t.Helper()
	raw, err := json.Marshal(events.DynamoDBEventRecord{
		EventName: eventName,
		Change:    events.DynamoDBStreamRecord{NewImage: image},
	})
	require.NoError(t, err)
	return events.KinesisEventRecord{
		EventID: "shard:" + seq,
		Kinesis: events.KinesisRecord{SequenceNumber: seq, Data: raw},
	}
}

func TestConvertDynamoDBImage(t *testing.T) {
	tests := []struct {
		name    string
		image   map[string]events.DynamoDBAttributeValue
		wantErr bool
	}{
		{name: "valid event", image: orderImage("event-123", "3")},
		{name: "nil image", image: nil, wantErr: true},
		{
			name:    "missing required fields",
			image:   map[string]events.DynamoDBAttributeValue{"id": events.NewStringAttribute("event-123")},
			wantErr: true,
		},
		{
			name: "bad timestamp",
			image: func() map[string]events.DynamoDBAttributeValue {
				img := orderImage("event-123", "1")
				img["created_at"] = events.NewStringAttribute("yesterday")
				return img
			}(),
			wantErr: true,
		},
		{name: "bad version", image: orderImage("event-123", "1.5"), wantErr: true},
		{
			name: "version stored as string",
			image: func() map[string]events.DynamoDBAttributeValue {
				img := orderImage("event-123", "1")
				img["version"] = events.NewStringAttribute("1")
				return img
			}(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := convertDynamoDBImage(tt.image)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "event-123", event.ID)
			assert.Equal(t, "order-456", event.AggregateID)
			assert.Equal(t, "Order", event.AggregateType)
			assert.Equal(t, "OrderPlaced", event.EventType)
			assert.Equal(t, 3, event.Version)
			assert.JSONEq(t, `{"order_id":"order-456"}`, string(event.Data))
			assert.Equal(t, time.Date(2026, 1, 15, 10, 30, 0, 123456789, time.UTC), event.Timestamp)
		})
	}
}

func TestConvertFromDynamoDBStreamRecord_SkipsNonInserts(t *testing.T) {
	for _, name := range []string{"MODIFY", "REMOVE"} {
		event, err := ConvertFromDynamoDBStreamRecord(events.DynamoDBEventRecord{EventName: name})
		require.NoError(t, err)
		assert.Nil(t, event, name)
	}
}

func TestConvertFromKinesisRecord(t *testing.T) {
	event, err := ConvertFromKinesisRecord(kinesisRecord(t, "1", "INSERT", orderImage("event-123", "1")))
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "event-123", event.ID)

	_, err = ConvertFromKinesisRecord(events.KinesisEventRecord{Kinesis: events.KinesisRecord{Data: []byte("not json")}})
	assert.Error(t, err)
}

func TestProcess_ReportsFailedRecords(t *testing.T) {
	batch := events.KinesisEvent{Records: []events.KinesisEventRecord{
		kinesisRecord(t, "100", "INSERT", orderImage("event-1", "1")),
		kinesisRecord(t, "101", "MODIFY", nil),
		{EventID: "shard:102", Kinesis: events.KinesisRecord{SequenceNumber: "102", Data: []byte("invalid json")}},
		kinesisRecord(t, "103", "INSERT", orderImage("event-poison", "2")),
		kinesisRecord(t, "104", "INSERT", orderImage("event-3", "3")),
	}}

	var handled []string
	resp := Process(context.Background(), "Test", batch, func(_ context.Context, e store.Event) error {
		handled = append(handled, e.ID)
		if e.ID == "event-poison" {
			return errors.New("boom")
		}
		return nil
	})

	assert.Equal(t, []string{"event-1", "event-poison", "event-3"}, handled)
	require.Len(t, resp.BatchItemFailures, 2)
	assert.Equal(t, "102", resp.BatchItemFailures[0].ItemIdentifier)
	assert.Equal(t, "103", resp.BatchItemFailures[1].ItemIdentifier)
}
