// Package sweeper runs the periodic housekeeping of the pipeline: expiring
// stale inventory, abandoning unpaid orders past their payment window and
// pruning old webhook delivery records.
package sweeper

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/example/giftcard-fulfillment/internal/domain/order"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/store"
	"github.com/example/giftcard-fulfillment/internal/readmodel"
)

type ItemExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

type OrderAbandoner interface {
	Abandon(ctx context.Context, orderID string) (*order.Order, error)
}

type DeliveryPruner interface {
	PruneDeliveries(ctx context.Context) (int, error)
}

// Report counts what one sweep changed.
type Report struct {
	ExpiredItems     int
	AbandonedOrders  int
	PrunedDeliveries int
}

type Sweeper struct {
	items      ItemExpirer
	orders     OrderAbandoner
	reads      store.ReadStoreInterface
	deliveries DeliveryPruner
	now        func() time.Time
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func New(items ItemExpirer, orders OrderAbandoner, reads store.ReadStoreInterface, deliveries DeliveryPruner, opts ...Option) *Sweeper {
	s := &Sweeper{
		items:      items,
		orders:     orders,
		reads:      reads,
		deliveries: deliveries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs every task once. A failing task does not stop the others; their
// errors are joined.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error

	n, err := s.items.ExpireStale(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	rep.ExpiredItems = n

	n, err = s.abandonExpired(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	rep.AbandonedOrders = n

	n, err = s.deliveries.PruneDeliveries(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	rep.PrunedDeliveries = n

	return rep, errors.Join(errs...)
}

// abandonExpired finds unpaid orders past their expiry through the read
// model; the aggregate has the final say.
func (s *Sweeper) abandonExpired(ctx context.Context) (int, error) {
	items, err := s.reads.GetAll(ctx, readmodel.CollectionOrders)
	if err != nil {
		return 0, err
	}
	now := s.now()
	abandoned := 0
	for _, item := range items {
		o, ok := item.(*readmodel.OrderReadModel)
		if !ok || !unpaid(o) || o.ExpiresAt.IsZero() || now.Before(o.ExpiresAt) {
			continue
		}
		if _, err := s.orders.Abandon(ctx, o.ID); err != nil {
			if ctx.Err() != nil {
				return abandoned, ctx.Err()
			}
			log.Printf("[Sweeper] Skipping order %s: %v", o.ID, err)
			continue
		}
		abandoned++
	}
	if abandoned > 0 {
		log.Printf("[Sweeper] Abandoned %d unpaid orders", abandoned)
	}
	return abandoned, nil
}

func unpaid(o *readmodel.OrderReadModel) bool {
	return o.PaymentStatus == string(order.PaymentPending) || o.PaymentStatus == string(order.PaymentProcessing)
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rep, err := s.Sweep(ctx)
		if err != nil {
			log.Printf("[Sweeper] Sweep failed: %v", err)
		} else {
			log.Printf("[Sweeper] Sweep done: %d items expired, %d orders abandoned, %d deliveries pruned",
				rep.ExpiredItems, rep.AbandonedOrders, rep.PrunedDeliveries)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
