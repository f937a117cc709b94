package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/giftcard-fulfillment/internal/app"
	"github.com/example/giftcard-fulfillment/internal/config"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/kafka"
	"github.com/example/giftcard-fulfillment/internal/metrics"
	"github.com/example/giftcard-fulfillment/internal/projection"
)

const consumerGroup = "read-model-projector"

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("[Projector] %v", err)
	}
	if cfg.Store.Backend != config.BackendPostgres {
		log.Fatalf("[Projector] STORE_BACKEND=%s; the Kafka projector serves the postgres backend", cfg.Store.Backend)
	}
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Println("[Projector] ========================================")
	log.Println("[Projector] Read Model Projector")
	log.Println("[Projector] ========================================")
	log.Printf("[Projector] Kafka: %v", cfg.Kafka.Brokers)
	log.Printf("[Projector] Topic: %s", cfg.Kafka.Topic)
	log.Printf("[Projector] Group: %s", consumerGroup)

	stack, err := app.Open(ctx, cfg, "Projector")
	if err != nil {
		log.Fatalf("[Projector] Failed to open stores: %v", err)
	}
	defer stack.Close()

	projector := projection.NewProjector(stack.Reads, projection.WithNotifier(stack.Notifier()))

	// replay is idempotent: read models skip versions they already hold
	if _, err := projector.Replay(ctx, stack.Events); err != nil {
		log.Fatalf("[Projector] Replay failed: %v", err)
	}

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, consumerGroup)
	defer consumer.Close()

	log.Println("[Projector] Starting event consumer...")
	if err := consumer.Consume(ctx, projector.HandleEvent); err != nil && ctx.Err() == nil {
		log.Printf("[Projector] Consumer error: %v", err)
	}
	log.Println("[Projector] Shutting down...")
}
