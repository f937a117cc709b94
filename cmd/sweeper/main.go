package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/giftcard-fulfillment/internal/app"
	"github.com/example/giftcard-fulfillment/internal/config"
	"github.com/example/giftcard-fulfillment/internal/sweeper"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("[Sweeper] %v", err)
	}
	if cfg.Store.Backend == config.BackendMemory {
		log.Fatal("[Sweeper] STORE_BACKEND=memory has nothing to sweep; in-memory state lives in the API process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := app.Open(ctx, cfg, "Sweeper")
	if err != nil {
		log.Fatalf("[Sweeper] Failed to open stores: %v", err)
	}
	defer stack.Close()

	log.Printf("[Sweeper] Sweeping every %s", cfg.Sweeper.Interval)
	s := sweeper.New(stack.Ledger(), stack.Orders(), stack.Reads, stack.Dispatcher)
	if err := s.Run(ctx, cfg.Sweeper.Interval); err != nil {
		log.Printf("[Sweeper] %v", err)
	}
	log.Println("[Sweeper] Shutting down...")
}
