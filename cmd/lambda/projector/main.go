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
	"github.com/example/giftcard-fulfillment/internal/projection"
)

var (
	stack     *app.Stack
	projector *projection.Projector
)

func init() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("[Lambda Projector] %v", err)
	}
	stack, err = app.Open(context.Background(), cfg, "Lambda Projector")
	if err != nil {
		log.Fatalf("[Lambda Projector] Failed to open stores: %v", err)
	}
	// order webhooks come from the webhooks lambda; the projector only
	// announces new customers, straight through the dispatcher
	projector = projection.NewProjector(stack.Reads, projection.WithNotifier(stack.Dispatcher))
	log.Println("[Lambda Projector] Initialized successfully")
}

func handler(ctx context.Context, batch events.KinesisEvent) (events.KinesisEventResponse, error) {
	resp := kinesis.Process(ctx, "Lambda Projector", batch, projector.Apply)
	stack.Dispatcher.Wait()
	return resp, nil
}

func main() {
	lambda.Start(handler)
}
