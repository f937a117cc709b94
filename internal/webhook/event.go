package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated           = "order.created"
	EventOrderPaid              = "order.paid"
	EventOrderFulfilled         = "order.fulfilled"
	EventOrderFulfillmentFailed = "order.fulfillment_failed"
	EventOrderRefunded          = "order.refunded"
	EventOrderCodesResent       = "order.codes_resent"
	EventCustomerCreated        = "customer.created"
	EventTest                   = "webhook.test"

	// Wildcard subscribes an endpoint to every event type.
	Wildcard = "*"
)

var knownEventTypes = map[string]bool{
	EventOrderCreated:           true,
	EventOrderPaid:              true,
	EventOrderFulfilled:         true,
	EventOrderFulfillmentFailed: true,
	EventOrderRefunded:          true,
	EventOrderCodesResent:       true,
	EventCustomerCreated:        true,
	EventTest:                   true,
}

// IsKnownEventType reports whether t can be subscribed to.
func IsKnownEventType(t string) bool {
	return t == Wildcard || knownEventTypes[t]
}

// Envelope is the stable outbound body of every webhook request.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CompanyID string          `json:"company_id"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope wraps data for delivery.
func NewEnvelope(companyID, eventType string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		CompanyID: companyID,
		CreatedAt: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Notifier hands typed events to the webhook pipeline. The Dispatcher
// delivers in process; BusNotifier forwards to a message bus consumed by the
// webhook worker.
type Notifier interface {
	Trigger(ctx context.Context, companyID, eventType string, data any) error
}

// Publisher is satisfied by the Kafka producer.
type Publisher interface {
	Publish(ctx context.Context, key string, v any) error
}

// BusNotifier publishes envelopes keyed by company, so one company's events
// keep their order on the bus.
type BusNotifier struct {
	publisher Publisher
}

func NewBusNotifier(p Publisher) *BusNotifier {
	return &BusNotifier{publisher: p}
}

func (n *BusNotifier) Trigger(ctx context.Context, companyID, eventType string, data any) error {
	env, err := NewEnvelope(companyID, eventType, data)
	if err != nil {
		return err
	}
	return n.publisher.Publish(ctx, companyID, env)
}
