package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/giftcard-fulfillment/internal/api"
	"github.com/example/giftcard-fulfillment/internal/app"
	"github.com/example/giftcard-fulfillment/internal/auth"
	"github.com/example/giftcard-fulfillment/internal/command"
	"github.com/example/giftcard-fulfillment/internal/config"
	"github.com/example/giftcard-fulfillment/internal/fulfillment"
	"github.com/example/giftcard-fulfillment/internal/metrics"
	"github.com/example/giftcard-fulfillment/internal/query"
	"github.com/example/giftcard-fulfillment/internal/ratelimit"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("[API] %v", err)
	}
	if err := cfg.ValidateAPI(); err != nil {
		log.Fatalf("[API] %v", err)
	}
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Println("[API] ========================================")
	log.Println("[API] Gift Card Fulfillment API")
	log.Println("[API] ========================================")
	log.Printf("[API] Store: %s", cfg.Store.Backend)
	log.Printf("[API] Webhooks: %s", cfg.Webhooks.Mode)

	stack, err := app.Open(ctx, cfg, "API")
	if err != nil {
		log.Fatalf("[API] Failed to open stores: %v", err)
	}
	defer stack.Close()

	limiter, err := stack.Limiter(ctx)
	if err != nil {
		log.Fatalf("[API] Failed to connect rate limiter: %v", err)
	}

	verifier, err := stack.Verifier()
	if err != nil {
		log.Fatalf("[API] %v", err)
	}

	orders := stack.Orders()
	ledger := stack.Ledger()
	notifier := stack.Notifier()
	coordinator := fulfillment.NewCoordinator(orders, ledger, stack.Sealer,
		fulfillment.WithNotifier(notifier),
		fulfillment.WithAudit(stack.Audit),
	)
	cmdHandler := command.NewHandler(orders, ledger, coordinator, stack.Dispatcher, verifier, stack.Sealer,
		command.WithNotifier(notifier),
		command.WithResendLimit(limiter, cfg.RateLimit.Resend.Limit, cfg.RateLimit.Resend.Window),
		command.WithAutoFulfill(cfg.Orders.AutoFulfill),
	)
	queryHandler := query.NewHandler(stack.Reads)

	router := api.NewRouter(
		api.NewHandlers(cmdHandler, queryHandler),
		auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		api.RateLimit{Limiter: limiter, Limit: cfg.RateLimit.API.Limit, Window: cfg.RateLimit.API.Window},
	)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[API] Server started on %s", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("[API] Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if ml, ok := limiter.(*ratelimit.MemoryLimiter); ok {
		g.Go(func() error { return ml.Run(gctx, time.Minute) })
	}

	if err := g.Wait(); err != nil {
		log.Printf("[API] Exited with error: %v", err)
	}
}
