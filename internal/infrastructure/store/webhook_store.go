package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/giftcard-fulfillment/internal/webhook"
)

// MemoryWebhookStore keeps endpoints and delivery records in memory.
type MemoryWebhookStore struct {
	mu         sync.RWMutex
	endpoints  map[string]*webhook.Endpoint
	deliveries []*webhook.DeliveryRecord
}

func NewMemoryWebhookStore() *MemoryWebhookStore {
	return &MemoryWebhookStore{endpoints: make(map[string]*webhook.Endpoint)}
}

func (s *MemoryWebhookStore) CreateEndpoint(_ context.Context, ep *webhook.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = copyEndpoint(ep)
	return nil
}

func (s *MemoryWebhookStore) GetEndpoint(_ context.Context, id string) (*webhook.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, webhook.ErrEndpointNotFound
	}
	return copyEndpoint(ep), nil
}

func (s *MemoryWebhookStore) ListEndpoints(_ context.Context, companyID string) ([]*webhook.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*webhook.Endpoint, 0)
	for _, ep := range s.endpoints {
		if ep.CompanyID == companyID {
			out = append(out, copyEndpoint(ep))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryWebhookStore) UpdateEndpoint(_ context.Context, id, url string, events []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return webhook.ErrEndpointNotFound
	}
	ep.URL = url
	ep.Events = append([]string(nil), events...)
	ep.UpdatedAt = at
	return nil
}

func (s *MemoryWebhookStore) SetEndpointState(_ context.Context, id string, status webhook.Status, enabled, resetFailures bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return webhook.ErrEndpointNotFound
	}
	ep.Status = status
	ep.Enabled = enabled
	if resetFailures {
		ep.ConsecutiveFailures = 0
	}
	ep.UpdatedAt = at
	return nil
}

func (s *MemoryWebhookStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return webhook.ErrEndpointNotFound
	}
	delete(s.endpoints, id)
	return nil
}

func (s *MemoryWebhookStore) RecordSuccess(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return webhook.ErrEndpointNotFound
	}
	ep.ConsecutiveFailures = 0
	ep.SuccessCount++
	ep.LastSuccessAt = &at
	ep.UpdatedAt = at
	return nil
}

func (s *MemoryWebhookStore) RecordFailure(_ context.Context, id, reason string, at time.Time, threshold int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return false, webhook.ErrEndpointNotFound
	}
	ep.ConsecutiveFailures++
	ep.FailureCount++
	ep.LastFailureReason = reason
	ep.LastFailureAt = &at
	ep.UpdatedAt = at

	if ep.Status == webhook.StatusActive && ep.ConsecutiveFailures >= threshold {
		ep.Status = webhook.StatusFailed
		ep.Enabled = false
		return true, nil
	}
	return false, nil
}

func (s *MemoryWebhookStore) SaveDelivery(_ context.Context, rec *webhook.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.deliveries = append(s.deliveries, &cp)
	return nil
}

// ListDeliveries returns the newest records first.
func (s *MemoryWebhookStore) ListDeliveries(_ context.Context, endpointID string, limit int) ([]*webhook.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*webhook.DeliveryRecord, 0)
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		if s.deliveries[i].EndpointID != endpointID {
			continue
		}
		cp := *s.deliveries[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryWebhookStore) PruneDeliveries(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.deliveries[:0]
	for _, d := range s.deliveries {
		if d.CreatedAt.Before(before) {
			continue
		}
		kept = append(kept, d)
	}
	pruned := len(s.deliveries) - len(kept)
	for i := len(kept); i < len(s.deliveries); i++ {
		s.deliveries[i] = nil
	}
	s.deliveries = kept
	return pruned, nil
}

func copyEndpoint(ep *webhook.Endpoint) *webhook.Endpoint {
	cp := *ep
	cp.Events = append([]string(nil), ep.Events...)
	return &cp
}
