package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/example/giftcard-fulfillment/internal/domain/order"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/store"
	"github.com/example/giftcard-fulfillment/internal/readmodel"
	"github.com/example/giftcard-fulfillment/internal/webhook"
)

// Projector builds order and customer read models from order events.
// Events at or below a model's version are ignored, so redelivery and
// replay are harmless.
type Projector struct {
	readStore store.ReadStoreInterface
	notifier  webhook.Notifier
}

type Option func(*Projector)

// WithNotifier emits customer.created the first time a customer is seen
// on a live event.
func WithNotifier(n webhook.Notifier) Option {
	return func(p *Projector) { p.notifier = n }
}

func NewProjector(readStore store.ReadStoreInterface, opts ...Option) *Projector {
	p := &Projector{readStore: readStore}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleEvent is the message handler for the domain event topic.
func (p *Projector) HandleEvent(ctx context.Context, key, value []byte) error {
	var event store.Event
	if err := json.Unmarshal(value, &event); err != nil {
		return err
	}
	return p.Apply(ctx, event)
}

// Apply projects one live event, as delivered by a stream.
func (p *Projector) Apply(ctx context.Context, event store.Event) error {
	return p.apply(ctx, event, true)
}

// Publish lets the projector stand in for the message bus when the API runs
// with in-memory stores.
func (p *Projector) Publish(ctx context.Context, _ string, v any) error {
	event, ok := v.(store.Event)
	if !ok {
		return fmt.Errorf("projector: unexpected message %T", v)
	}
	return p.apply(ctx, event, true)
}

// Replay rebuilds read models from the event store without emitting
// webhooks.
func (p *Projector) Replay(ctx context.Context, es store.EventStoreInterface) (int, error) {
	events, err := es.GetAllEvents(ctx)
	if err != nil {
		return 0, err
	}
	log.Printf("[Projector] Replaying %d events from event store...", len(events))
	for _, event := range events {
		if err := p.apply(ctx, event, false); err != nil {
			log.Printf("[Projector] Error replaying event %s: %v", event.ID, err)
		}
	}
	log.Println("[Projector] Event replay completed - read models rebuilt")
	return len(events), nil
}

func (p *Projector) apply(ctx context.Context, event store.Event, live bool) error {
	if event.AggregateType != order.AggregateType {
		return nil
	}
	log.Printf("[Projector] Received event: %s (aggregate: %s v%d)", event.EventType, event.AggregateID, event.Version)

	switch event.EventType {
	case order.EventOrderPlaced:
		var e order.OrderPlaced
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return err
		}
		return p.orderPlaced(ctx, event, e, live)

	case order.EventPaymentProcessing:
		return p.updateOrder(ctx, event, func(m *readmodel.OrderReadModel) {
			m.PaymentStatus = string(order.PaymentProcessing)
		})

	case order.EventPaymentCompleted:
		var e order.PaymentConfirmed
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return err
		}
		var paid *readmodel.OrderReadModel
		err := p.updateOrder(ctx, event, func(m *readmodel.OrderReadModel) {
			m.PaymentStatus = string(order.PaymentCompleted)
			if e.Reference != "" {
				m.PaymentReference = e.Reference
			}
			at := e.PaidAt
			m.PaidAt = &at
			paid = m
		})
		if err != nil || paid == nil {
			return err
		}
		return p.updateCustomer(ctx, paid.CompanyID, paid.CustomerEmail, func(c *readmodel.CustomerReadModel) {
			c.PaidCount++
			c.TotalSpent += paid.Total
		})

	case order.EventPaymentFailed:
		var e order.PaymentDeclined
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return err
		}
		return p.updateOrder(ctx, event, func(m *readmodel.OrderReadModel) {
			m.PaymentStatus = string(order.PaymentFailed)
			m.FailureReason = e.Reason
		})

	case order.EventOrderAbandoned:
		return p.updateOrder(ctx, event, func(m *readmodel.OrderReadModel) {
			m.PaymentStatus = string(order.PaymentFailed)
			m.FailureReason = order.AbandonReason
		})

	case order.EventOrderRefunded:
		var e order.OrderRefunded
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return err
		}
		var refunded *readmodel.OrderReadModel
		err := p.updateOrder(ctx, event, func(m *readmodel.OrderReadModel) {
			m.PaymentStatus = string(order.PaymentRefunded)
			at := e.RefundedAt
			m.RefundedAt = &at
			refunded = m
		})
		if err != nil || refunded == nil {
			return err
		}
		return p.updateCustomer(ctx, refunded.CompanyID, refunded.CustomerEmail, func(c *readmodel.CustomerReadModel) {
			c.TotalSpent -= refunded.Total
		})

	case order.EventOrderDisputed:
		return p.updateOrder(ctx, event, func(m *readmodel.OrderReadModel) {
			m.PaymentStatus = string(order.PaymentDisputed)
		})

	case order.EventOrderFulfilled:
		var e order.OrderFulfilled
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return err
		}
		return p.updateOrder(ctx, event, func(m *readmodel.OrderReadModel) {
			m.FulfillmentStatus = string(order.FulfillmentFulfilled)
			m.FailureReason = ""
			m.ItemIDs = make([]string, len(e.Codes))
			for i, c := range e.Codes {
				m.ItemIDs[i] = c.ItemID
			}
			m.FulfilledBy = e.FulfilledBy
			at := e.FulfilledAt
			m.FulfilledAt = &at
		})

	case order.EventFulfillmentFailed:
		var e order.FulfillmentAttemptFailed
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return err
		}
		return p.updateOrder(ctx, event, func(m *readmodel.OrderReadModel) {
			m.FulfillmentStatus = string(order.FulfillmentFailed)
			m.FailureReason = e.Reason
		})

	case order.EventCodesResent:
		return p.updateOrder(ctx, event, func(m *readmodel.OrderReadModel) {
			m.ResendCount++
		})
	}
	return nil
}

func (p *Projector) orderPlaced(ctx context.Context, event store.Event, e order.OrderPlaced, live bool) error {
	if existing, ok, err := p.readStore.Get(ctx, readmodel.CollectionOrders, e.OrderID); err != nil {
		return err
	} else if ok && existing.(*readmodel.OrderReadModel).Version >= event.Version {
		return nil
	}

	err := p.readStore.Set(ctx, readmodel.CollectionOrders, e.OrderID, &readmodel.OrderReadModel{
		ID:                e.OrderID,
		CompanyID:         e.CompanyID,
		ListingID:         e.ListingID,
		Denomination:      e.Denomination,
		Quantity:          e.Quantity,
		Subtotal:          e.Pricing.Subtotal,
		Discount:          e.Pricing.Discount,
		Fee:               e.Pricing.Fee,
		Total:             e.Pricing.Total,
		Currency:          e.Pricing.Currency,
		CustomerEmail:     e.Customer.Email,
		CustomerName:      e.Customer.Name,
		PaymentMethod:     e.PaymentMethod,
		PaymentReference:  e.PaymentReference,
		PaymentStatus:     string(order.PaymentPending),
		FulfillmentStatus: string(order.FulfillmentPending),
		CreatedAt:         e.PlacedAt,
		ExpiresAt:         e.ExpiresAt,
		UpdatedAt:         event.Timestamp,
		Version:           event.Version,
	})
	if err != nil {
		return err
	}

	customerID := readmodel.CustomerID(e.CompanyID, e.Customer.Email)
	found, err := p.readStore.Update(ctx, readmodel.CollectionCustomers, customerID, func(current any) any {
		c := current.(*readmodel.CustomerReadModel)
		c.OrderCount++
		c.LastOrderAt = e.PlacedAt
		if c.Name == "" {
			c.Name = e.Customer.Name
		}
		return c
	})
	if err != nil || found {
		return err
	}

	customer := &readmodel.CustomerReadModel{
		ID:           customerID,
		CompanyID:    e.CompanyID,
		Email:        e.Customer.Email,
		Name:         e.Customer.Name,
		OrderCount:   1,
		FirstOrderAt: e.PlacedAt,
		LastOrderAt:  e.PlacedAt,
	}
	if err := p.readStore.Set(ctx, readmodel.CollectionCustomers, customerID, customer); err != nil {
		return err
	}
	if live && p.notifier != nil {
		if err := p.notifier.Trigger(ctx, e.CompanyID, webhook.EventCustomerCreated, customer); err != nil {
			log.Printf("[Projector] Failed to emit %s for %s: %v", webhook.EventCustomerCreated, customerID, err)
		}
	}
	return nil
}

// updateOrder applies fn when the event is newer than the model. A model
// that does not exist yet is skipped; its OrderPlaced will rebuild it.
func (p *Projector) updateOrder(ctx context.Context, event store.Event, fn func(*readmodel.OrderReadModel)) error {
	found, err := p.readStore.Update(ctx, readmodel.CollectionOrders, event.AggregateID, func(current any) any {
		m := current.(*readmodel.OrderReadModel)
		if m.Version >= event.Version {
			return m
		}
		fn(m)
		m.Version = event.Version
		m.UpdatedAt = event.Timestamp
		return m
	})
	if err != nil {
		return err
	}
	if !found {
		log.Printf("[Projector] Order %s not projected yet, skipping %s", event.AggregateID, event.EventType)
	}
	return nil
}

func (p *Projector) updateCustomer(ctx context.Context, companyID, email string, fn func(*readmodel.CustomerReadModel)) error {
	_, err := p.readStore.Update(ctx, readmodel.CollectionCustomers, readmodel.CustomerID(companyID, email), func(current any) any {
		c := current.(*readmodel.CustomerReadModel)
		fn(c)
		return c
	})
	return err
}
