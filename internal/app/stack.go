// Package app opens the stores and shared services a process runs on,
// according to the configured backend.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/example/giftcard-fulfillment/internal/audit"
	"github.com/example/giftcard-fulfillment/internal/config"
	"github.com/example/giftcard-fulfillment/internal/domain/inventory"
	"github.com/example/giftcard-fulfillment/internal/domain/order"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/cache"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/kafka"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/store"
	"github.com/example/giftcard-fulfillment/internal/payment"
	"github.com/example/giftcard-fulfillment/internal/projection"
	"github.com/example/giftcard-fulfillment/internal/ratelimit"
	"github.com/example/giftcard-fulfillment/internal/secrets"
	"github.com/example/giftcard-fulfillment/internal/webhook"
)

const dispatcherDrainTimeout = 30 * time.Second

var ErrMissingSecretsKey = errors.New("SECRETS_KEY environment variable is required")

var ErrNoPaymentProvider = errors.New("PAYMENT_VERIFY_URL is required outside the memory backend")

// Stack is everything shared by the binaries: stores, the sealer, the audit
// recorder and the webhook dispatcher.
type Stack struct {
	Config     config.Config
	Sealer     *secrets.Sealer
	Events     store.EventStoreInterface
	Items      inventory.Store
	Reads      store.ReadStoreInterface
	Webhooks   webhook.Store
	Audit      *audit.Recorder
	Dispatcher *webhook.Dispatcher
	// Projector is set for the memory backend, where events are projected
	// synchronously as they are appended.
	Projector *projection.Projector

	name     string
	notifier webhook.Notifier
	closers  []func() error
}

// Open wires the stack for cfg. name prefixes log lines and names Kafka
// clients.
func Open(ctx context.Context, cfg config.Config, name string) (*Stack, error) {
	if cfg.Secrets.Key == "" {
		return nil, ErrMissingSecretsKey
	}
	sealer, err := secrets.NewSealerFromString(cfg.Secrets.Key)
	if err != nil {
		return nil, fmt.Errorf("secrets key: %w", err)
	}

	s := &Stack{Config: cfg, Sealer: sealer, name: name}
	if err := s.open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stack) open(ctx context.Context) error {
	cfg := s.Config

	sink := audit.Sink(audit.LogSink{})
	if cfg.Audit.Sink == config.AuditSinkKafka {
		sink = audit.NewKafkaSink(s.producer(cfg.Kafka.AuditTopic))
	}
	s.Audit = audit.NewRecorder(sink)

	// the webhook store is needed before the dispatcher, and the dispatcher
	// before a memory event store can project synchronously
	var db *sql.DB
	if cfg.Store.Backend != config.BackendMemory {
		var err error
		if db, err = store.ConnectPostgres(cfg.Store.DatabaseURL); err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		if err := store.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		log.Printf("[%s] Connected to PostgreSQL", s.name)
		s.Reads = store.NewPostgresReadStore(db)
		s.Webhooks = store.NewPostgresWebhookStore(db, s.Sealer)
	} else {
		s.Reads = store.NewReadStore()
		s.Webhooks = store.NewMemoryWebhookStore()
	}

	s.Dispatcher = webhook.NewDispatcher(s.Webhooks,
		webhook.WithPolicy(webhook.Policy{
			FailureThreshold: cfg.Webhooks.FailureThreshold,
			MaxAttempts:      cfg.Webhooks.MaxAttempts,
			RetryBackoff:     cfg.Webhooks.RetryBackoff,
			Timeout:          cfg.Webhooks.Timeout,
			Retention:        cfg.Webhooks.Retention,
		}),
		webhook.WithAudit(s.Audit),
	)

	switch cfg.Webhooks.Mode {
	case config.WebhookModeInline:
		s.notifier = s.Dispatcher
	case config.WebhookModeBus:
		s.notifier = webhook.NewBusNotifier(s.producer(cfg.Kafka.WebhookTopic))
	}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		s.Projector = projection.NewProjector(s.Reads, projection.WithNotifier(s.notifier))
		s.Events = store.NewEventStore(s.Projector)
		s.Items = store.NewMemoryItemStore()
		log.Printf("[%s] Using in-memory stores", s.name)
	case config.BackendPostgres:
		s.Events = store.NewPostgresEventStore(db, s.producer(cfg.Kafka.Topic))
		s.Items = store.NewPostgresItemStore(db, s.Sealer)
		log.Printf("[%s] Events: PostgreSQL -> Kafka topic %s", s.name, cfg.Kafka.Topic)
	case config.BackendDynamo:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg)
		s.Events = store.NewDynamoEventStore(client, cfg.Store.Dynamo.EventsTable, cfg.Store.Dynamo.SnapshotsTable)
		s.Items = store.NewDynamoItemStore(client, cfg.Store.Dynamo.ItemsTable, s.Sealer)
		log.Printf("[%s] Events: DynamoDB table %s", s.name, cfg.Store.Dynamo.EventsTable)
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return nil
}

func (s *Stack) producer(topic string) *kafka.Producer {
	p := kafka.NewProducer(s.Config.Kafka.Brokers, topic)
	s.closers = append(s.closers, p.Close)
	return p
}

// Notifier is where order transitions are announced: the dispatcher itself,
// the webhook topic, or nobody when a stream consumer relays events instead.
func (s *Stack) Notifier() webhook.Notifier {
	return s.notifier
}

func (s *Stack) Orders() *order.Service {
	return order.NewService(s.Events,
		order.WithTTL(s.Config.Orders.TTL),
		order.WithFeeBasisPoints(s.Config.Orders.FeeBasisPoints),
	)
}

func (s *Stack) Ledger() *inventory.Ledger {
	return inventory.NewLedger(s.Items)
}

// Limiter returns the shared Redis limiter, or a process-local one.
func (s *Stack) Limiter(ctx context.Context) (ratelimit.Limiter, error) {
	if s.Config.RateLimit.Backend != config.BackendRedis {
		return ratelimit.NewMemoryLimiter(), nil
	}
	client, err := cache.Connect(ctx, s.Config.Redis.URL)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, client.Close)
	log.Printf("[%s] Rate limits shared through Redis", s.name)
	return ratelimit.NewRedisLimiter(client), nil
}

// Verifier returns the payment provider client. Without a provider URL the
// static verifier is used, but only where the configuration allows it.
func (s *Stack) Verifier() (payment.Verifier, error) {
	if s.Config.Payment.VerifyURL != "" {
		return payment.NewHTTPVerifier(s.Config.Payment.VerifyURL, s.Config.Payment.APIKey, s.Config.Payment.Timeout), nil
	}
	if !s.Config.StaticPaymentsAllowed() {
		return nil, ErrNoPaymentProvider
	}
	log.Printf("[%s] PAYMENT_VERIFY_URL not set; every payment verifies as completed", s.name)
	return payment.StaticVerifier{}, nil
}

// Close drains the dispatcher and releases connections in reverse order.
func (s *Stack) Close() {
	if s.Dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), dispatcherDrainTimeout)
		if err := s.Dispatcher.Close(ctx); err != nil {
			log.Printf("[%s] Dispatcher did not drain: %v", s.name, err)
		}
		cancel()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Printf("[%s] Close: %v", s.name, err)
		}
	}
	s.closers = nil
}
