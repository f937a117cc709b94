// Package config resolves runtime configuration: defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendDynamo   = "dynamodb"
	BackendRedis    = "redis"

	WebhookModeInline = "inline"
	WebhookModeBus    = "bus"
	WebhookModeStream = "stream"

	AuditSinkLog   = "log"
	AuditSinkKafka = "kafka"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
	Orders    OrderConfig     `yaml:"orders"`
	Payment   PaymentConfig   `yaml:"payment"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Audit     AuditConfig     `yaml:"audit"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Backend     string       `yaml:"backend"`
	DatabaseURL string       `yaml:"database_url"`
	Dynamo      DynamoConfig `yaml:"dynamo"`
}

type DynamoConfig struct {
	EventsTable    string `yaml:"events_table"`
	SnapshotsTable string `yaml:"snapshots_table"`
	ItemsTable     string `yaml:"items_table"`
}

type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic"`
	WebhookTopic string   `yaml:"webhook_topic"`
	AuditTopic   string   `yaml:"audit_topic"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type Limit struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type RateLimitConfig struct {
	Backend          string `yaml:"backend"`
	API              Limit  `yaml:"api"`
	Resend           Limit  `yaml:"resend"`
	InvitationSender Limit  `yaml:"invitation_sender"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type SecretsConfig struct {
	Key string `yaml:"key"`
}

type WebhookConfig struct {
	Mode             string        `yaml:"mode"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	Timeout          time.Duration `yaml:"timeout"`
	Retention        time.Duration `yaml:"retention"`
}

type OrderConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	FeeBasisPoints int64         `yaml:"fee_basis_points"`
	AutoFulfill    bool          `yaml:"auto_fulfill"`
}

type PaymentConfig struct {
	VerifyURL string        `yaml:"verify_url"`
	APIKey    string        `yaml:"api_key"`
	Timeout   time.Duration `yaml:"timeout"`
	// AllowStatic lets a durable backend run without a provider, with every
	// payment verifying as completed. Meant for staging only.
	AllowStatic bool `yaml:"allow_static"`
}

type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type AuditConfig struct {
	Sink string `yaml:"sink"`
}

func defaults() Config {
	return Config{
		HTTP:  HTTPConfig{Addr: ":8080"},
		Store: StoreConfig{
			Backend: BackendMemory,
			Dynamo: DynamoConfig{
				EventsTable:    "giftcard-events",
				SnapshotsTable: "giftcard-snapshots",
				ItemsTable:     "giftcard-items",
			},
		},
		Kafka: KafkaConfig{
			Topic:        "giftcard-events",
			WebhookTopic: "giftcard-webhooks",
			AuditTopic:   "giftcard-audit",
		},
		RateLimit: RateLimitConfig{
			Backend:          BackendMemory,
			API:              Limit{Limit: 600, Window: time.Minute},
			Resend:           Limit{Limit: 3, Window: time.Hour},
			InvitationSender: Limit{Limit: 20, Window: 24 * time.Hour},
		},
		Auth: AuthConfig{TokenTTL: 15 * time.Minute},
		Webhooks: WebhookConfig{
			Mode:             WebhookModeInline,
			FailureThreshold: 5,
			MaxAttempts:      3,
			RetryBackoff:     2 * time.Second,
			Timeout:          10 * time.Second,
			Retention:        30 * 24 * time.Hour,
		},
		Orders:  OrderConfig{TTL: 30 * time.Minute, AutoFulfill: true},
		Payment: PaymentConfig{Timeout: 10 * time.Second},
		Sweeper: SweeperConfig{Interval: time.Minute},
		Audit:   AuditConfig{Sink: AuditSinkLog},
	}
}

// Load resolves configuration in priority order: defaults -> file -> env.
// A missing file is not an error; an empty path skips the file.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.HTTP.Addr = envOrDefault("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Store.Backend = strings.ToLower(envOrDefault("STORE_BACKEND", cfg.Store.Backend))
	cfg.Store.DatabaseURL = envOrDefault("DATABASE_URL", cfg.Store.DatabaseURL)
	cfg.Store.Dynamo.EventsTable = envOrDefault("DYNAMODB_EVENTS_TABLE", cfg.Store.Dynamo.EventsTable)
	cfg.Store.Dynamo.SnapshotsTable = envOrDefault("DYNAMODB_SNAPSHOTS_TABLE", cfg.Store.Dynamo.SnapshotsTable)
	cfg.Store.Dynamo.ItemsTable = envOrDefault("DYNAMODB_ITEMS_TABLE", cfg.Store.Dynamo.ItemsTable)

	cfg.Kafka.Brokers = envCSV("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.Topic = envOrDefault("KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Kafka.WebhookTopic = envOrDefault("KAFKA_WEBHOOK_TOPIC", cfg.Kafka.WebhookTopic)
	cfg.Kafka.AuditTopic = envOrDefault("KAFKA_AUDIT_TOPIC", cfg.Kafka.AuditTopic)
	cfg.Redis.URL = envOrDefault("REDIS_URL", cfg.Redis.URL)

	cfg.RateLimit.Backend = strings.ToLower(envOrDefault("RATE_LIMIT_BACKEND", cfg.RateLimit.Backend))
	cfg.RateLimit.API.Limit = envInt("API_RATE_LIMIT", cfg.RateLimit.API.Limit)
	cfg.RateLimit.API.Window = envDuration("API_RATE_WINDOW", cfg.RateLimit.API.Window)
	cfg.RateLimit.Resend.Limit = envInt("RESEND_RATE_LIMIT", cfg.RateLimit.Resend.Limit)
	cfg.RateLimit.Resend.Window = envDuration("RESEND_RATE_WINDOW", cfg.RateLimit.Resend.Window)

	cfg.Auth.JWTSecret = envOrDefault("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.TokenTTL = envDuration("JWT_TOKEN_TTL", cfg.Auth.TokenTTL)
	cfg.Secrets.Key = envOrDefault("SECRETS_KEY", cfg.Secrets.Key)

	cfg.Webhooks.Mode = strings.ToLower(envOrDefault("WEBHOOK_MODE", cfg.Webhooks.Mode))
	cfg.Webhooks.FailureThreshold = envInt("WEBHOOK_FAILURE_THRESHOLD", cfg.Webhooks.FailureThreshold)
	cfg.Webhooks.MaxAttempts = envInt("WEBHOOK_MAX_ATTEMPTS", cfg.Webhooks.MaxAttempts)
	cfg.Webhooks.RetryBackoff = envDuration("WEBHOOK_RETRY_BACKOFF", cfg.Webhooks.RetryBackoff)
	cfg.Webhooks.Timeout = envDuration("WEBHOOK_TIMEOUT", cfg.Webhooks.Timeout)
	cfg.Webhooks.Retention = envDuration("WEBHOOK_RETENTION", cfg.Webhooks.Retention)

	cfg.Orders.TTL = envDuration("ORDER_TTL", cfg.Orders.TTL)
	cfg.Orders.FeeBasisPoints = int64(envInt("ORDER_FEE_BASIS_POINTS", int(cfg.Orders.FeeBasisPoints)))
	cfg.Orders.AutoFulfill = envBool("ORDER_AUTO_FULFILL", cfg.Orders.AutoFulfill)
	cfg.Payment.VerifyURL = envOrDefault("PAYMENT_VERIFY_URL", cfg.Payment.VerifyURL)
	cfg.Payment.APIKey = envOrDefault("PAYMENT_API_KEY", cfg.Payment.APIKey)
	cfg.Payment.Timeout = envDuration("PAYMENT_TIMEOUT", cfg.Payment.Timeout)
	cfg.Payment.AllowStatic = envBool("PAYMENT_ALLOW_STATIC", cfg.Payment.AllowStatic)
	cfg.Sweeper.Interval = envDuration("SWEEP_INTERVAL", cfg.Sweeper.Interval)
	cfg.Audit.Sink = strings.ToLower(envOrDefault("AUDIT_SINK", cfg.Audit.Sink))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings every binary depends on.
func (c Config) Validate() error {
	var problems []string
	switch c.Store.Backend {
	case BackendMemory:
	case BackendDynamo:
		// read models and webhook endpoints stay in Postgres
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for the dynamodb backend")
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for the postgres backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}
	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			problems = append(problems, "REDIS_URL is required for the redis rate limiter")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown rate limit backend %q", c.RateLimit.Backend))
	}
	switch c.Webhooks.Mode {
	case WebhookModeInline, WebhookModeBus:
	case WebhookModeStream:
		if c.Store.Backend != BackendDynamo {
			problems = append(problems, "webhook mode stream requires the dynamodb backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown webhook mode %q", c.Webhooks.Mode))
	}
	if c.Audit.Sink != AuditSinkLog && c.Audit.Sink != AuditSinkKafka {
		problems = append(problems, fmt.Sprintf("unknown audit sink %q", c.Audit.Sink))
	}
	if c.UsesKafka() && len(c.Kafka.Brokers) == 0 {
		problems = append(problems, "KAFKA_BROKERS is required")
	}
	if c.Webhooks.FailureThreshold <= 0 || c.Webhooks.MaxAttempts <= 0 {
		problems = append(problems, "webhook failure threshold and max attempts must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateAPI adds the checks only the API process needs.
func (c Config) ValidateAPI() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET environment variable is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 characters long")
	}
	if c.Secrets.Key == "" {
		return errors.New("SECRETS_KEY environment variable is required")
	}
	if c.Payment.VerifyURL == "" && !c.StaticPaymentsAllowed() {
		return fmt.Errorf("PAYMENT_VERIFY_URL is required for the %s backend (set PAYMENT_ALLOW_STATIC=true to accept every payment)", c.Store.Backend)
	}
	return nil
}

// StaticPaymentsAllowed reports whether payments may be verified without a
// provider. Only the memory backend allows it by default.
func (c Config) StaticPaymentsAllowed() bool {
	return c.Store.Backend == BackendMemory || c.Payment.AllowStatic
}

// UsesKafka reports whether any component publishes to or consumes from
// Kafka. The postgres backend streams events through Kafka; dynamodb streams
// them through Kinesis.
func (c Config) UsesKafka() bool {
	return c.Store.Backend == BackendPostgres || c.Webhooks.Mode == WebhookModeBus || c.Audit.Sink == AuditSinkKafka
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envCSV(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
