package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/giftcard-fulfillment/internal/api/middleware"
	"github.com/example/giftcard-fulfillment/internal/command"
	"github.com/example/giftcard-fulfillment/internal/domain/errs"
	"github.com/example/giftcard-fulfillment/internal/domain/order"
	"github.com/example/giftcard-fulfillment/internal/fulfillment"
	"github.com/example/giftcard-fulfillment/internal/query"
	"github.com/example/giftcard-fulfillment/internal/ratelimit"
	"github.com/example/giftcard-fulfillment/internal/webhook"
)

const (
	maxRequestBody       = 1 << 20
	defaultDeliveryLimit = 50
)

var errInvalidBody = fmt.Errorf("invalid request body: %w", errs.ErrValidation)

type Handlers struct {
	cmdHandler   *command.Handler
	queryHandler *query.Handler
}

func NewHandlers(cmdHandler *command.Handler, queryHandler *query.Handler) *Handlers {
	return &Handlers{
		cmdHandler:   cmdHandler,
		queryHandler: queryHandler,
	}
}

// Order Handlers

type fulfillmentResponse struct {
	Order            order.Summary      `json:"order"`
	Codes            []fulfillment.Code `json:"codes"`
	AlreadyFulfilled bool               `json:"already_fulfilled"`
}

type paymentResponse struct {
	Order            order.Summary      `json:"order"`
	Codes            []fulfillment.Code `json:"codes,omitempty"`
	FulfillmentError string             `json:"fulfillment_error,omitempty"`
}

type resendResponse struct {
	Order     order.Summary      `json:"order"`
	Recipient string             `json:"recipient"`
	Codes     []fulfillment.Code `json:"codes"`
}

func (h *Handlers) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var cmd command.PlaceOrder
	if !decode(w, r, &cmd) {
		return
	}
	cmd.CompanyID = p.CompanyID

	o, err := h.cmdHandler.PlaceOrder(r.Context(), cmd)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, o.Summary())
}

func (h *Handlers) GetOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders, err := h.queryHandler.ListOrders(r.Context(), principal(r).CompanyID, query.OrderFilter{
		PaymentStatus:     q.Get("payment_status"),
		FulfillmentStatus: q.Get("fulfillment_status"),
		CustomerEmail:     q.Get("customer_email"),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orders)
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.queryHandler.GetOrder(r.Context(), principal(r).CompanyID, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (h *Handlers) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var cmd command.VerifyPayment
	if !decodeOptional(w, r, &cmd) {
		return
	}
	cmd.CompanyID = p.CompanyID
	cmd.OrderID = chi.URLParam(r, "id")
	cmd.Actor = p.ActorID

	out, err := h.cmdHandler.VerifyPayment(r.Context(), cmd)
	if err != nil {
		respondError(w, err)
		return
	}
	resp := paymentResponse{Order: out.Order.Summary()}
	if out.Fulfillment != nil {
		resp.Codes = out.Fulfillment.Codes
	}
	if out.FulfillmentErr != nil {
		resp.FulfillmentError = out.FulfillmentErr.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) FulfillOrder(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var cmd command.FulfillOrder
	if !decodeOptional(w, r, &cmd) {
		return
	}
	cmd.CompanyID = p.CompanyID
	cmd.OrderID = chi.URLParam(r, "id")
	cmd.Actor = p.ActorID

	res, err := h.cmdHandler.FulfillOrder(r.Context(), cmd)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, fulfillmentResponse{
		Order:            res.Order.Summary(),
		Codes:            res.Codes,
		AlreadyFulfilled: res.AlreadyFulfilled,
	})
}

func (h *Handlers) RefundOrder(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var cmd command.RefundOrder
	if !decodeOptional(w, r, &cmd) {
		return
	}
	cmd.CompanyID = p.CompanyID
	cmd.OrderID = chi.URLParam(r, "id")
	cmd.Actor = p.ActorID

	o, err := h.cmdHandler.RefundOrder(r.Context(), cmd)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o.Summary())
}

func (h *Handlers) ResendCodes(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var cmd command.ResendCodes
	if !decodeOptional(w, r, &cmd) {
		return
	}
	cmd.CompanyID = p.CompanyID
	cmd.OrderID = chi.URLParam(r, "id")
	cmd.Actor = p.ActorID

	res, err := h.cmdHandler.ResendCodes(r.Context(), cmd)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resendResponse{Order: res.Order.Summary(), Recipient: res.Recipient, Codes: res.Codes})
}

// Customer Handlers

func (h *Handlers) GetCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.queryHandler.ListCustomers(r.Context(), principal(r).CompanyID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, customers)
}

func (h *Handlers) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.queryHandler.GetCustomer(r.Context(), principal(r).CompanyID, normalizeEmail(chi.URLParam(r, "email")))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// Inventory Handlers

func (h *Handlers) UploadInventory(w http.ResponseWriter, r *http.Request) {
	var cmd command.UploadInventory
	if !decode(w, r, &cmd) {
		return
	}
	cmd.CompanyID = principal(r).CompanyID
	cmd.ListingID = chi.URLParam(r, "listingID")

	ids, err := h.cmdHandler.UploadInventory(r.Context(), cmd)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"item_ids": ids, "count": len(ids)})
}

func (h *Handlers) GetAvailability(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listingID")
	denomination, err := strconv.ParseInt(r.URL.Query().Get("denomination"), 10, 64)
	if err != nil {
		respondError(w, fmt.Errorf("denomination must be an integer: %w", errs.ErrValidation))
		return
	}

	n, err := h.cmdHandler.Availability(r.Context(), principal(r).CompanyID, listingID, denomination)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"listing_id":   listingID,
		"denomination": denomination,
		"available":    n,
	})
}

// Webhook Handlers

// registeredEndpoint shows the signing secret once, at registration.
type registeredEndpoint struct {
	*webhook.Endpoint
	Secret string `json:"secret"`
}

func (h *Handlers) RegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var cmd command.RegisterEndpoint
	if !decode(w, r, &cmd) {
		return
	}
	cmd.CompanyID = principal(r).CompanyID

	ep, err := h.cmdHandler.RegisterEndpoint(r.Context(), cmd)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, registeredEndpoint{Endpoint: ep, Secret: ep.Secret})
}

func (h *Handlers) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	eps, err := h.cmdHandler.ListEndpoints(r.Context(), principal(r).CompanyID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, eps)
}

func (h *Handlers) GetWebhook(w http.ResponseWriter, r *http.Request) {
	ep, err := h.cmdHandler.GetEndpoint(r.Context(), principal(r).CompanyID, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ep)
}

func (h *Handlers) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var cmd command.UpdateEndpoint
	if !decode(w, r, &cmd) {
		return
	}
	cmd.CompanyID = principal(r).CompanyID
	cmd.EndpointID = chi.URLParam(r, "id")

	ep, err := h.cmdHandler.UpdateEndpoint(r.Context(), cmd)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ep)
}

func (h *Handlers) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.cmdHandler.RemoveEndpoint(r.Context(), principal(r).CompanyID, chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) EnableWebhook(w http.ResponseWriter, r *http.Request) {
	h.setWebhookEnabled(w, r, true)
}

func (h *Handlers) DisableWebhook(w http.ResponseWriter, r *http.Request) {
	h.setWebhookEnabled(w, r, false)
}

func (h *Handlers) setWebhookEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	ep, err := h.cmdHandler.SetEndpointEnabled(r.Context(), principal(r).CompanyID, chi.URLParam(r, "id"), enabled)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ep)
}

func (h *Handlers) TestWebhook(w http.ResponseWriter, r *http.Request) {
	rec, err := h.cmdHandler.TestEndpoint(r.Context(), principal(r).CompanyID, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handlers) GetWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeliveryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, fmt.Errorf("limit must be a positive integer: %w", errs.ErrValidation))
			return
		}
		limit = n
	}

	recs, err := h.cmdHandler.Deliveries(r.Context(), principal(r).CompanyID, chi.URLParam(r, "id"), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch errs.Kind(err) {
	case errs.ErrNotFound:
		return http.StatusNotFound
	case errs.ErrInsufficientInventory, errs.ErrInvalidStateTransition, errs.ErrConflict:
		return http.StatusConflict
	case errs.ErrTooManyRequests:
		return http.StatusTooManyRequests
	case errs.ErrExternalService:
		return http.StatusBadGateway
	case errs.ErrValidation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("[API] Internal error: %v", err)
		message = "internal error"
	}

	var tooMany *ratelimit.TooManyRequestsError
	if errors.As(err, &tooMany) {
		w.Header().Set("Retry-After", strconv.Itoa(int(tooMany.RetryAfter(time.Now()).Seconds())))
	}
	respondJSON(w, status, map[string]string{"error": message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		respondError(w, fmt.Errorf("%w: %v", errInvalidBody, err))
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

func principal(r *http.Request) middleware.Principal {
	p, _ := middleware.PrincipalFromContext(r.Context())
	return p
}

// normalizeEmail lower-cases the customer path segment.
func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
