package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/example/giftcard-fulfillment/internal/app"
	"github.com/example/giftcard-fulfillment/internal/config"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/kinesis"
	"github.com/example/giftcard-fulfillment/internal/notification"
)

var (
	stack *app.Stack
	relay *notification.Handler
)

func init() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("[Lambda Webhooks] %v", err)
	}
	stack, err = app.Open(context.Background(), cfg, "Lambda Webhooks")
	if err != nil {
		log.Fatalf("[Lambda Webhooks] Failed to open stores: %v", err)
	}
	relay = notification.NewHandler(stack.Dispatcher, stack.Orders())
	log.Println("[Lambda Webhooks] Initialized successfully")
}

// handler relays order events from the DynamoDB stream to webhook endpoints.
// Deliveries finish before the invocation returns.
func handler(ctx context.Context, batch events.KinesisEvent) (events.KinesisEventResponse, error) {
	resp := kinesis.Process(ctx, "Lambda Webhooks", batch, relay.HandleEvent)
	stack.Dispatcher.Wait()
	return resp, nil
}

func main() {
	lambda.Start(handler)
}
