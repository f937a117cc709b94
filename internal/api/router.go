package api

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/giftcard-fulfillment/internal/api/middleware"
	"github.com/example/giftcard-fulfillment/internal/auth"
	"github.com/example/giftcard-fulfillment/internal/ratelimit"
)

// RateLimit bounds authenticated requests per principal.
type RateLimit struct {
	Limiter ratelimit.Limiter
	Limit   int
	Window  time.Duration
}

func NewRouter(handlers *Handlers, jwtService *auth.JWTService, rl RateLimit) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(withLogging)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(jwtService))
		r.Use(middleware.RateLimit(rl.Limiter, rl.Limit, rl.Window))

		// Storefront and staff
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", handlers.PlaceOrder)
			r.Get("/", handlers.GetOrders)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handlers.GetOrder)
				r.Post("/payment/verify", handlers.VerifyPayment)

				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireRole(auth.RoleAdmin, auth.RoleOperator))
					r.Post("/fulfill", handlers.FulfillOrder)
					r.Post("/refund", handlers.RefundOrder)
					r.Post("/resend", handlers.ResendCodes)
				})
			})
		})
		r.Get("/inventory/{listingID}/availability", handlers.GetAvailability)

		// Staff only
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(auth.RoleAdmin, auth.RoleOperator))

			r.Post("/inventory/{listingID}/items", handlers.UploadInventory)

			r.Get("/customers", handlers.GetCustomers)
			r.Get("/customers/{email}", handlers.GetCustomer)

			r.Route("/webhooks", func(r chi.Router) {
				r.Post("/", handlers.RegisterWebhook)
				r.Get("/", handlers.ListWebhooks)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", handlers.GetWebhook)
					r.Put("/", handlers.UpdateWebhook)
					r.Delete("/", handlers.DeleteWebhook)
					r.Post("/enable", handlers.EnableWebhook)
					r.Post("/disable", handlers.DisableWebhook)
					r.Post("/test", handlers.TestWebhook)
					r.Get("/deliveries", handlers.GetWebhookDeliveries)
				})
			})
		})
	})

	return r
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Printf("[API] %s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
