// Package kinesis adapts event-store rows streamed through Kinesis (DynamoDB
// Kinesis integration) back into store events.
package kinesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/example/giftcard-fulfillment/internal/infrastructure/store"
)

const insertEvent = "INSERT"

// EventHandler consumes one decoded store event.
type EventHandler func(ctx context.Context, event store.Event) error

// ConvertFromKinesisRecord decodes a Kinesis record carrying a DynamoDB
// stream image. Only INSERTs are events; other changes return nil.
func ConvertFromKinesisRecord(record events.KinesisEventRecord) (*store.Event, error) {
	var change events.DynamoDBEventRecord
	if err := json.Unmarshal(record.Kinesis.Data, &change); err != nil {
		return nil, fmt.Errorf("unmarshal stream record: %w", err)
	}
	return ConvertFromDynamoDBStreamRecord(change)
}

// ConvertFromDynamoDBStreamRecord decodes a raw DynamoDB stream record.
func ConvertFromDynamoDBStreamRecord(record events.DynamoDBEventRecord) (*store.Event, error) {
	if record.EventName != insertEvent {
		return nil, nil
	}
	return convertDynamoDBImage(record.Change.NewImage)
}

// convertDynamoDBImage reads the attributes written by DynamoEventStore.Append.
func convertDynamoDBImage(image map[string]events.DynamoDBAttributeValue) (*store.Event, error) {
	if image == nil {
		return nil, fmt.Errorf("stream image is empty")
	}

	str := func(name string) string {
		if v, ok := image[name]; ok && v.DataType() == events.DataTypeString {
			return v.String()
		}
		return ""
	}

	event := &store.Event{
		ID:            str("id"),
		AggregateID:   str("aggregate_id"),
		AggregateType: str("aggregate_type"),
		EventType:     str("event_type"),
	}
	if event.ID == "" || event.AggregateID == "" || event.EventType == "" {
		return nil, fmt.Errorf("missing required fields: id=%q aggregate_id=%q event_type=%q",
			event.ID, event.AggregateID, event.EventType)
	}

	if data := str("data"); data != "" {
		event.Data = json.RawMessage(data)
	}
	if created := str("created_at"); created != "" {
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		event.Timestamp = t
	}
	if v, ok := image["version"]; ok {
		if v.DataType() != events.DataTypeNumber {
			return nil, fmt.Errorf("parse version: attribute is not a number")
		}
		// Integer() truncates "1.5" to 1
		version, err := strconv.Atoi(v.Number())
		if err != nil {
			return nil, fmt.Errorf("parse version: %w", err)
		}
		event.Version = version
	}
	return event, nil
}

// Process runs handle for every event in the batch and reports the records
// that failed so Lambda retries only those. Records that cannot be decoded
// are reported as failures too.
func Process(ctx context.Context, name string, batch events.KinesisEvent, handle EventHandler) events.KinesisEventResponse {
	var failures []events.KinesisBatchItemFailure
	fail := func(record events.KinesisEventRecord) {
		failures = append(failures, events.KinesisBatchItemFailure{
			ItemIdentifier: record.Kinesis.SequenceNumber,
		})
	}

	for _, record := range batch.Records {
		event, err := ConvertFromKinesisRecord(record)
		if err != nil {
			log.Printf("[%s] Failed to convert record %s: %v", name, record.EventID, err)
			fail(record)
			continue
		}
		if event == nil {
			continue
		}
		if err := handle(ctx, *event); err != nil {
			log.Printf("[%s] Failed to process event %s (%s): %v", name, event.ID, event.EventType, err)
			fail(record)
		}
	}

	log.Printf("[%s] Processed %d/%d records", name, len(batch.Records)-len(failures), len(batch.Records))
	return events.KinesisEventResponse{BatchItemFailures: failures}
}
