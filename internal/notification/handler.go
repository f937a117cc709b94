// Package notification relays webhook events from the message bus to the
// in-process dispatcher.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/example/giftcard-fulfillment/internal/domain/errs"
	"github.com/example/giftcard-fulfillment/internal/domain/order"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/store"
	"github.com/example/giftcard-fulfillment/internal/webhook"
)

var ErrUnknownEventType = fmt.Errorf("unknown webhook event type: %w", errs.ErrValidation)

// Dispatcher delivers an envelope to every subscribed endpoint before
// returning. The relay acknowledges its source only after that.
type Dispatcher interface {
	DispatchAndWait(ctx context.Context, env webhook.Envelope) (int, error)
}

// OrderSource loads the current state of an order.
type OrderSource interface {
	Get(ctx context.Context, orderID string) (*order.Order, error)
}

// domainEventWebhooks maps order events in the event stream to the webhook
// event they announce.
var domainEventWebhooks = map[string]string{
	order.EventOrderPlaced:       webhook.EventOrderCreated,
	order.EventPaymentCompleted:  webhook.EventOrderPaid,
	order.EventOrderFulfilled:    webhook.EventOrderFulfilled,
	order.EventFulfillmentFailed: webhook.EventOrderFulfillmentFailed,
	order.EventOrderRefunded:     webhook.EventOrderRefunded,
	order.EventCodesResent:       webhook.EventOrderCodesResent,
}

// WebhookEventFor returns the webhook event announced by a domain event.
func WebhookEventFor(domainEventType string) (string, bool) {
	t, ok := domainEventWebhooks[domainEventType]
	return t, ok
}

// Handler feeds the dispatcher from two sources: envelopes already built by
// the API (webhook topic) and raw order events (event stream).
type Handler struct {
	dispatcher Dispatcher
	orders     OrderSource
}

// NewHandler creates a relay. orders may be nil when only envelopes are
// relayed.
func NewHandler(dispatcher Dispatcher, orders OrderSource) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		orders:     orders,
	}
}

// HandleEnvelope processes a message from the webhook topic.
func (h *Handler) HandleEnvelope(ctx context.Context, key, value []byte) error {
	var env webhook.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		log.Printf("[Notifier] Failed to unmarshal envelope: %v", err)
		return err
	}
	if env.Type == webhook.Wildcard || !webhook.IsKnownEventType(env.Type) {
		log.Printf("[Notifier] Dropping envelope %s with type %q", env.ID, env.Type)
		return nil
	}

	n, err := h.dispatcher.DispatchAndWait(ctx, env)
	if err != nil {
		return err
	}
	log.Printf("[Notifier] Delivered %s (%s) to %d endpoints of company %s", env.Type, env.ID, n, env.CompanyID)
	return nil
}

// HandleEvent processes an order event from the event stream. The envelope
// reuses the event id, so a redelivered event keeps its webhook id.
func (h *Handler) HandleEvent(ctx context.Context, event store.Event) error {
	if event.AggregateType != order.AggregateType {
		return nil
	}
	eventType, ok := WebhookEventFor(event.EventType)
	if !ok {
		return nil
	}
	if h.orders == nil {
		return fmt.Errorf("relay %s: no order source configured", event.EventType)
	}

	o, err := h.orders.Get(ctx, event.AggregateID)
	if err != nil {
		log.Printf("[Notifier] Failed to load order %s: %v", event.AggregateID, err)
		return err
	}

	data, err := json.Marshal(o.Summary())
	if err != nil {
		return err
	}
	env := webhook.Envelope{
		ID:        event.ID,
		Type:      eventType,
		CompanyID: o.CompanyID,
		CreatedAt: event.Timestamp,
		Data:      data,
	}
	n, err := h.dispatcher.DispatchAndWait(ctx, env)
	if err != nil {
		return err
	}
	log.Printf("[Notifier] Delivered %s for order %s to %d endpoints", eventType, o.ID, n)
	return nil
}
