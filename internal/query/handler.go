package query

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/example/giftcard-fulfillment/internal/domain/errs"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/store"
	"github.com/example/giftcard-fulfillment/internal/readmodel"
)

var (
	ErrOrderNotFound    = fmt.Errorf("order: %w", errs.ErrNotFound)
	ErrCustomerNotFound = fmt.Errorf("customer: %w", errs.ErrNotFound)
)

// OrderFilter narrows ListOrders. Empty fields match everything.
type OrderFilter struct {
	PaymentStatus     string
	FulfillmentStatus string
	CustomerEmail     string
}

func (f OrderFilter) matches(o *readmodel.OrderReadModel) bool {
	if f.PaymentStatus != "" && o.PaymentStatus != f.PaymentStatus {
		return false
	}
	if f.FulfillmentStatus != "" && o.FulfillmentStatus != f.FulfillmentStatus {
		return false
	}
	if f.CustomerEmail != "" && !strings.EqualFold(o.CustomerEmail, f.CustomerEmail) {
		return false
	}
	return true
}

// Handler serves the read side. Every lookup is scoped to a company; a
// record owned by another company is reported as not found.
type Handler struct {
	readStore store.ReadStoreInterface
}

func NewHandler(readStore store.ReadStoreInterface) *Handler {
	return &Handler{readStore: readStore}
}

// Orders
func (h *Handler) GetOrder(ctx context.Context, companyID, id string) (*readmodel.OrderReadModel, error) {
	data, ok, err := h.readStore.Get(ctx, readmodel.CollectionOrders, id)
	if err != nil {
		log.Printf("[Query] Error getting order %s: %v", id, err)
		return nil, err
	}
	if !ok {
		return nil, ErrOrderNotFound
	}
	o := data.(*readmodel.OrderReadModel)
	if o.CompanyID != companyID {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

// ListOrders returns the company's orders, newest first.
func (h *Handler) ListOrders(ctx context.Context, companyID string, filter OrderFilter) ([]*readmodel.OrderReadModel, error) {
	items, err := h.readStore.GetAll(ctx, readmodel.CollectionOrders)
	if err != nil {
		log.Printf("[Query] Error listing orders: %v", err)
		return nil, err
	}
	orders := make([]*readmodel.OrderReadModel, 0)
	for _, item := range items {
		o := item.(*readmodel.OrderReadModel)
		if o.CompanyID == companyID && filter.matches(o) {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// Customers
func (h *Handler) GetCustomer(ctx context.Context, companyID, email string) (*readmodel.CustomerReadModel, error) {
	id := readmodel.CustomerID(companyID, email)
	data, ok, err := h.readStore.Get(ctx, readmodel.CollectionCustomers, id)
	if err != nil {
		log.Printf("[Query] Error getting customer %s: %v", id, err)
		return nil, err
	}
	if !ok {
		return nil, ErrCustomerNotFound
	}
	return data.(*readmodel.CustomerReadModel), nil
}

// ListCustomers returns the company's customers, most recent buyers first.
func (h *Handler) ListCustomers(ctx context.Context, companyID string) ([]*readmodel.CustomerReadModel, error) {
	items, err := h.readStore.GetAll(ctx, readmodel.CollectionCustomers)
	if err != nil {
		log.Printf("[Query] Error listing customers: %v", err)
		return nil, err
	}
	customers := make([]*readmodel.CustomerReadModel, 0)
	for _, item := range items {
		c := item.(*readmodel.CustomerReadModel)
		if c.CompanyID == companyID {
			customers = append(customers, c)
		}
	}
	sort.Slice(customers, func(i, j int) bool {
		return customers[i].LastOrderAt.After(customers[j].LastOrderAt)
	})
	return customers, nil
}
