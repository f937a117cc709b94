package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/example/giftcard-fulfillment/internal/domain/errs"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusFailed   Status = "failed"
)

var (
	ErrEndpointNotFound = fmt.Errorf("webhook endpoint: %w", errs.ErrNotFound)
	ErrInvalidURL       = fmt.Errorf("webhook url must be an absolute http(s) url: %w", errs.ErrValidation)
	ErrInvalidEvents    = fmt.Errorf("webhook events: %w", errs.ErrValidation)
	ErrDispatcherClosed = fmt.Errorf("webhook dispatcher is closed: %w", errs.ErrExternalService)
	ErrDeliveryAbandoned = fmt.Errorf("webhook delivery abandoned on shutdown: %w", errs.ErrExternalService)
)

// Endpoint is a company's registered webhook receiver.
type Endpoint struct {
	ID                  string     `json:"id"`
	CompanyID           string     `json:"company_id"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"`
	Events              []string   `json:"events"`
	Enabled             bool       `json:"enabled"`
	Status              Status     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	SuccessCount        int64      `json:"success_count"`
	FailureCount        int64      `json:"failure_count"`
	LastFailureReason   string     `json:"last_failure_reason,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Active reports whether deliveries may be attempted.
func (e *Endpoint) Active() bool {
	return e.Enabled && e.Status == StatusActive
}

// Subscribes reports whether the endpoint wants eventType.
func (e *Endpoint) Subscribes(eventType string) bool {
	for _, t := range e.Events {
		if t == Wildcard || t == eventType {
			return true
		}
	}
	return false
}

// DeliveryRecord is the append-only log entry for one attempt.
type DeliveryRecord struct {
	ID             string        `json:"id"`
	EndpointID     string        `json:"endpoint_id"`
	EventID        string        `json:"event_id"`
	EventType      string        `json:"event_type"`
	URL            string        `json:"url"`
	Payload        string        `json:"payload"`
	ResponseStatus int           `json:"response_status,omitempty"`
	ResponseBody   string        `json:"response_body,omitempty"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	Attempt        int           `json:"attempt"`
	Duration       time.Duration `json:"duration"`
	Test           bool          `json:"test"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Store persists endpoints and delivery records. RecordFailure must apply
// its increment and threshold check atomically.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, companyID string) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, id, url string, events []string, at time.Time) error
	SetEndpointState(ctx context.Context, id string, status Status, enabled, resetFailures bool, at time.Time) error
	DeleteEndpoint(ctx context.Context, id string) error

	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure counts a failed delivery. When the consecutive count
	// reaches threshold on an active endpoint it moves to failed and
	// disabled, and tripped is true.
	RecordFailure(ctx context.Context, id, reason string, at time.Time, threshold int) (tripped bool, err error)

	SaveDelivery(ctx context.Context, rec *DeliveryRecord) error
	ListDeliveries(ctx context.Context, endpointID string, limit int) ([]*DeliveryRecord, error)
	PruneDeliveries(ctx context.Context, before time.Time) (int, error)
}
