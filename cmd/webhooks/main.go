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
	"github.com/example/giftcard-fulfillment/internal/notification"
)

const consumerGroup = "webhook-dispatcher"

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("[Webhooks] %v", err)
	}
	if cfg.Webhooks.Mode != config.WebhookModeBus {
		log.Fatalf("[Webhooks] WEBHOOK_MODE=%s; this worker only serves the bus mode", cfg.Webhooks.Mode)
	}
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Println("[Webhooks] ========================================")
	log.Println("[Webhooks] Webhook Delivery Worker")
	log.Println("[Webhooks] ========================================")
	log.Printf("[Webhooks] Kafka: %v", cfg.Kafka.Brokers)
	log.Printf("[Webhooks] Topic: %s", cfg.Kafka.WebhookTopic)
	log.Printf("[Webhooks] Group: %s", consumerGroup)

	stack, err := app.Open(ctx, cfg, "Webhooks")
	if err != nil {
		log.Fatalf("[Webhooks] Failed to open stores: %v", err)
	}
	// drains queued deliveries before connections close
	defer stack.Close()

	handler := notification.NewHandler(stack.Dispatcher, stack.Orders())

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.WebhookTopic, consumerGroup)
	defer consumer.Close()

	log.Println("[Webhooks] Starting envelope consumer...")
	if err := consumer.Consume(ctx, handler.HandleEnvelope); err != nil && ctx.Err() == nil {
		log.Printf("[Webhooks] Consumer error: %v", err)
	}
	log.Println("[Webhooks] Shutting down...")
}
