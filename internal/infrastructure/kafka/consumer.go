package kafka

import (
	"context"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

type MessageHandler func(ctx context.Context, key, value []byte) error

// handlerAttempts bounds redelivery of a message whose handler keeps failing.
// After that the message is committed and logged so one bad message cannot
// stall the partition.
const handlerAttempts = 3

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads a topic as part of a consumer group. Offsets are committed
// only after the handler has seen the message.
type Consumer struct {
	reader  reader
	name    string
	backoff time.Duration
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, name: groupID, backoff: 500 * time.Millisecond}
}

func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("[Kafka] %s: error reading message: %v", c.name, err)
				continue
			}

			c.handle(ctx, handler, msg)

			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("[Kafka] %s: failed to commit offset %d: %v", c.name, msg.Offset, err)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, handler MessageHandler, msg kafka.Message) {
	for attempt := 1; attempt <= handlerAttempts; attempt++ {
		err := handler(ctx, msg.Key, msg.Value)
		if err == nil {
			return
		}
		log.Printf("[Kafka] %s: error handling message at offset %d (attempt %d/%d): %v",
			c.name, msg.Offset, attempt, handlerAttempts, err)
		if attempt == handlerAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * c.backoff):
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
