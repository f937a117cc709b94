// Package audit records immutable facts about fulfillment and webhook
// delivery outcomes.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	ActionOrderFulfilled       = "order.fulfilled"
	ActionFulfillmentFailed    = "order.fulfillment_failed"
	ActionFulfillmentRaceLost  = "order.fulfillment_race_lost"
	ActionItemsVoided          = "inventory.items_voided"
	ActionWebhookDelivered     = "webhook.delivered"
	ActionWebhookFailed        = "webhook.failed"
	ActionWebhookEndpointTrip  = "webhook.endpoint_disabled"
	ActionWebhookNotifyFailure = "webhook.notify_failed"
)

type Record struct {
	ID          string         `json:"id"`
	Actor       string         `json:"actor"`
	Action      string         `json:"action"`
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	CompanyID   string         `json:"company_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	At          time.Time      `json:"at"`
}

// Sink persists audit records.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// Recorder stamps and writes records. Audit failures never fail the caller;
// they are logged. A nil Recorder discards records.
type Recorder struct {
	sink Sink
	now  func() time.Time
}

func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Recorder) Record(ctx context.Context, rec Record) {
	if r == nil || r.sink == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.At.IsZero() {
		rec.At = r.now()
	}
	if rec.Actor == "" {
		rec.Actor = "system"
	}
	if err := r.sink.Write(ctx, rec); err != nil {
		log.Printf("[Audit] Failed to write %s for %s %s: %v", rec.Action, rec.SubjectType, rec.SubjectID, err)
	}
}

// LogSink writes records as JSON lines through the standard logger.
type LogSink struct{}

func (LogSink) Write(_ context.Context, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	log.Printf("[Audit] %s", b)
	return nil
}

// Publisher is satisfied by the Kafka producer.
type Publisher interface {
	Publish(ctx context.Context, key string, v any) error
}

// KafkaSink publishes records keyed by subject so a subject's history stays
// ordered within a partition.
type KafkaSink struct {
	publisher Publisher
}

func NewKafkaSink(p Publisher) *KafkaSink {
	return &KafkaSink{publisher: p}
}

func (s *KafkaSink) Write(ctx context.Context, r Record) error {
	return s.publisher.Publish(ctx, r.SubjectType+":"+r.SubjectID, r)
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (s *MemorySink) Write(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

// Records returns a copy of what has been written.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Actions lists the recorded actions in order.
func (s *MemorySink) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.records))
	for i, r := range s.records {
		out[i] = r.Action
	}
	return out
}
