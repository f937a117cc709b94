// Package fulfillment turns paid orders into delivered gift-card codes.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/example/giftcard-fulfillment/internal/audit"
	"github.com/example/giftcard-fulfillment/internal/domain/errs"
	"github.com/example/giftcard-fulfillment/internal/domain/inventory"
	"github.com/example/giftcard-fulfillment/internal/domain/order"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/store"
	"github.com/example/giftcard-fulfillment/internal/metrics"
	"github.com/example/giftcard-fulfillment/internal/secrets"
	"github.com/example/giftcard-fulfillment/internal/webhook"
)

// markAttempts bounds retries of MarkFulfilled when an unrelated event
// lands between load and append.
const markAttempts = 3

var ErrNotRetryable = fmt.Errorf("order fulfillment has not failed: %w", errs.ErrInvalidStateTransition)

// Result is the outcome of a fulfillment. Codes are in the clear.
type Result struct {
	Order            *order.Order
	Codes            []Code
	AlreadyFulfilled bool
}

type Coordinator struct {
	orders   *order.Service
	ledger   *inventory.Ledger
	sealer   *secrets.Sealer
	notifier webhook.Notifier
	audit    *audit.Recorder
	locks    *keyedMutex
}

type Option func(*Coordinator)

func WithNotifier(n webhook.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func WithAudit(r *audit.Recorder) Option {
	return func(c *Coordinator) { c.audit = r }
}

func NewCoordinator(orders *order.Service, ledger *inventory.Ledger, sealer *secrets.Sealer, opts ...Option) *Coordinator {
	c := &Coordinator{
		orders: orders,
		ledger: ledger,
		sealer: sealer,
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FulfillOrder reserves, consumes and attaches codes to a paid order, then
// emits order.fulfilled. Calling it again for a fulfilled order returns the
// codes already attached.
func (c *Coordinator) FulfillOrder(ctx context.Context, orderID, actor string) (*Result, error) {
	unlock := c.locks.lock(orderID)
	defer unlock()

	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.IsFulfilled() {
		metrics.FulfillmentsTotal.WithLabelValues("already_fulfilled").Inc()
		return c.existing(o)
	}
	if err := o.CheckFulfillable(); err != nil {
		metrics.FulfillmentsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	reserved, err := c.ledger.Reserve(ctx, Pool(o), o.Quantity)
	if err != nil {
		if errors.Is(err, inventory.ErrInsufficientInventory) || errors.Is(err, inventory.ErrListingNotFound) {
			metrics.ReservationsTotal.WithLabelValues("insufficient").Inc()
		} else {
			metrics.ReservationsTotal.WithLabelValues("error").Inc()
		}
		c.fail(ctx, o, actor, err)
		return nil, err
	}
	metrics.ReservationsTotal.WithLabelValues("reserved").Inc()

	sold, err := c.ledger.Consume(ctx, reserved, orderID, o.Customer.Email)
	if err != nil {
		c.releaseRest(reserved, sold)
		c.voidConsumed(ctx, o, sold, actor, err.Error())
		c.fail(ctx, o, actor, err)
		return nil, err
	}

	codes, err := SealCodes(c.sealer, sold)
	if err != nil {
		c.voidConsumed(ctx, o, sold, actor, err.Error())
		c.fail(ctx, o, actor, err)
		return nil, err
	}

	fulfilled, err := c.markFulfilled(ctx, orderID, codes, actor)
	if err != nil {
		if errors.Is(err, order.ErrAlreadyFulfilled) || store.IsConflict(err) {
			return c.lostRace(ctx, o, sold, actor, err)
		}
		c.voidConsumed(ctx, o, sold, actor, err.Error())
		c.fail(ctx, o, actor, err)
		return nil, err
	}

	log.Printf("[Coordinator] Order %s fulfilled with %d codes by %s", orderID, len(sold), actor)
	metrics.FulfillmentsTotal.WithLabelValues("fulfilled").Inc()
	c.audit.Record(ctx, audit.Record{
		Actor:       actor,
		Action:      audit.ActionOrderFulfilled,
		SubjectType: "order",
		SubjectID:   orderID,
		CompanyID:   o.CompanyID,
		Details:     map[string]any{"item_ids": inventory.IDs(sold)},
	})
	c.notify(ctx, fulfilled, webhook.EventOrderFulfilled)

	return &Result{Order: fulfilled, Codes: plain(sold)}, nil
}

// RetryFailed fulfills an order whose previous attempt failed, typically
// after the listing was restocked.
func (c *Coordinator) RetryFailed(ctx context.Context, orderID, actor string) (*Result, error) {
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.FulfillmentStatus != order.FulfillmentFailed {
		return nil, fmt.Errorf("%w (fulfillment %s)", ErrNotRetryable, o.FulfillmentStatus)
	}
	return c.FulfillOrder(ctx, orderID, actor)
}

func (c *Coordinator) markFulfilled(ctx context.Context, orderID string, codes []order.DeliveredCode, actor string) (*order.Order, error) {
	var err error
	for i := 0; i < markAttempts; i++ {
		var o *order.Order
		o, err = c.orders.MarkFulfilled(ctx, orderID, codes, actor)
		if err == nil {
			return o, nil
		}
		if !store.IsConflict(err) {
			return nil, err
		}
		log.Printf("[Coordinator] Version conflict fulfilling order %s (attempt %d)", orderID, i+1)
	}
	return nil, err
}

// lostRace handles another process attaching codes first. Our items were
// consumed but never delivered, so they are voided and the winner's result
// is returned.
func (c *Coordinator) lostRace(ctx context.Context, o *order.Order, sold []inventory.Item, actor string, cause error) (*Result, error) {
	log.Printf("[Coordinator] Order %s was fulfilled concurrently: %v", o.ID, cause)
	metrics.FulfillmentsTotal.WithLabelValues("race_lost").Inc()
	c.audit.Record(ctx, audit.Record{
		Actor:       actor,
		Action:      audit.ActionFulfillmentRaceLost,
		SubjectType: "order",
		SubjectID:   o.ID,
		CompanyID:   o.CompanyID,
	})
	c.voidConsumed(ctx, o, sold, actor, "lost fulfillment race")

	winner, err := c.orders.Get(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if !winner.IsFulfilled() {
		return nil, cause
	}
	return c.existing(winner)
}

func (c *Coordinator) existing(o *order.Order) (*Result, error) {
	codes, err := OpenCodes(c.sealer, o.Codes)
	if err != nil {
		return nil, err
	}
	return &Result{Order: o, Codes: codes, AlreadyFulfilled: true}, nil
}

// fail leaves a paid order at fulfillment failed with the cause as reason.
// It runs detached from ctx so a cancelled request still records it.
func (c *Coordinator) fail(ctx context.Context, o *order.Order, actor string, cause error) {
	metrics.FulfillmentsTotal.WithLabelValues("failed").Inc()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	failed, err := c.orders.MarkFulfillmentFailed(ctx, o.ID, cause.Error())
	if err != nil {
		log.Printf("[Coordinator] Failed to record fulfillment failure for order %s: %v", o.ID, err)
		return
	}
	log.Printf("[Coordinator] Order %s could not be fulfilled: %v", o.ID, cause)
	c.audit.Record(ctx, audit.Record{
		Actor:       actor,
		Action:      audit.ActionFulfillmentFailed,
		SubjectType: "order",
		SubjectID:   o.ID,
		CompanyID:   o.CompanyID,
		Details:     map[string]any{"reason": cause.Error()},
	})
	c.notify(ctx, failed, webhook.EventOrderFulfillmentFailed)
}

// releaseRest returns items that were reserved but not yet sold.
func (c *Coordinator) releaseRest(reserved, sold []inventory.Item) {
	soldIDs := make(map[string]bool, len(sold))
	for _, it := range sold {
		soldIDs[it.ID] = true
	}
	var rest []inventory.Item
	for _, it := range reserved {
		if !soldIDs[it.ID] {
			rest = append(rest, it)
		}
	}
	if len(rest) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.ledger.Release(ctx, rest); err != nil {
		log.Printf("[Coordinator] Failed to release reserved items: %v", err)
	}
}

// voidConsumed invalidates items sold to the order that will never reach the
// customer. Sold items cannot go back to the pool.
func (c *Coordinator) voidConsumed(ctx context.Context, o *order.Order, sold []inventory.Item, actor, reason string) {
	if len(sold) == 0 {
		return
	}
	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	n, err := c.ledger.Void(vctx, sold, o.ID)
	if err != nil {
		log.Printf("[Coordinator] Failed to void items of order %s: %v", o.ID, err)
	}
	if n == 0 {
		return
	}
	c.audit.Record(ctx, audit.Record{
		Actor:       actor,
		Action:      audit.ActionItemsVoided,
		SubjectType: "order",
		SubjectID:   o.ID,
		CompanyID:   o.CompanyID,
		Details:     map[string]any{"item_ids": inventory.IDs(sold), "count": n, "reason": reason},
	})
}

func (c *Coordinator) notify(ctx context.Context, o *order.Order, eventType string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Trigger(ctx, o.CompanyID, eventType, o.Summary()); err != nil {
		log.Printf("[Coordinator] Failed to emit %s for order %s: %v", eventType, o.ID, err)
		c.audit.Record(ctx, audit.Record{
			Action:      audit.ActionWebhookNotifyFailure,
			SubjectType: "order",
			SubjectID:   o.ID,
			CompanyID:   o.CompanyID,
			Details:     map[string]any{"event_type": eventType, "error": err.Error()},
		})
	}
}

// Pool is the inventory pool an order draws its codes from.
func Pool(o *order.Order) inventory.Pool {
	return inventory.Pool{CompanyID: o.CompanyID, ListingID: o.ListingID, Denomination: o.Denomination}
}

func plain(items []inventory.Item) []Code {
	out := make([]Code, len(items))
	for i, it := range items {
		out[i] = Code{ItemID: it.ID, Code: it.Secret.Code, PIN: it.Secret.PIN, Serial: it.Secret.Serial}
	}
	return out
}
