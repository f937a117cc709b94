// Package webhook delivers signed event notifications to company endpoints.
//
// Each endpoint has its own FIFO queue drained by at most one goroutine, so
// an endpoint sees its events in trigger order and a slow endpoint never
// holds up another. A delivery that still fails after its retries counts
// once against the endpoint; enough consecutive failures disable it until an
// operator re-enables it.
package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/giftcard-fulfillment/internal/audit"
	"github.com/example/giftcard-fulfillment/internal/metrics"
)

const (
	maxResponseBodySize = 64 * 1024
	maxStoredBodySize   = 2048
	userAgent           = "giftcard-webhooks/1.0"
	secretPrefix        = "whsec_"
)

// EndpointInput registers a new endpoint. An empty Secret is generated.
type EndpointInput struct {
	CompanyID string
	URL       string
	Events    []string
	Secret    string
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

func WithPolicy(p Policy) Option {
	return func(d *Dispatcher) { d.policy = p.withDefaults() }
}

func WithAudit(r *audit.Recorder) Option {
	return func(d *Dispatcher) { d.audit = r }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// queued is one envelope waiting for an endpoint. settled, when set,
// receives whether the delivery ran to completion.
type queued struct {
	env     Envelope
	settled chan<- bool
}

func (q queued) finish(completed bool) {
	if q.settled != nil {
		q.settled <- completed
	}
}

type endpointQueue struct {
	items []queued
}

// Dispatcher fans events out to subscribed endpoints.
type Dispatcher struct {
	store  Store
	client *http.Client
	policy Policy
	audit  *audit.Recorder
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*endpointQueue
	closed bool
	idle   *sync.Cond
	wg     sync.WaitGroup
}

func NewDispatcher(store Store, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:  store,
		policy: DefaultPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string]*endpointQueue),
	}
	d.idle = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = &http.Client{
			Timeout: d.policy.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return d
}

// Trigger wraps data in an envelope and queues it for every active endpoint
// of the company subscribed to eventType.
func (d *Dispatcher) Trigger(ctx context.Context, companyID, eventType string, data any) error {
	env, err := NewEnvelope(companyID, eventType, data)
	if err != nil {
		return err
	}
	_, err = d.Dispatch(ctx, env)
	return err
}

// Dispatch queues a prepared envelope and returns how many endpoints it was
// queued for.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) (int, error) {
	endpoints, err := d.store.ListEndpoints(ctx, env.CompanyID)
	if err != nil {
		return 0, fmt.Errorf("list endpoints for %s: %w", env.CompanyID, err)
	}
	return d.queueFor(endpoints, env, nil)
}

// DispatchAndWait queues env like Dispatch and returns once every endpoint
// has finished with it, successfully or by exhausting its retries. It fails
// with ErrDeliveryAbandoned if the dispatcher shuts down first, so a caller
// acknowledging a message only after this returns never loses it.
func (d *Dispatcher) DispatchAndWait(ctx context.Context, env Envelope) (int, error) {
	endpoints, err := d.store.ListEndpoints(ctx, env.CompanyID)
	if err != nil {
		return 0, fmt.Errorf("list endpoints for %s: %w", env.CompanyID, err)
	}
	settled := make(chan bool, len(endpoints))
	n, err := d.queueFor(endpoints, env, settled)
	if err != nil {
		return n, err
	}
	for i := 0; i < n; i++ {
		select {
		case ok := <-settled:
			if !ok {
				return n, fmt.Errorf("%s %s: %w", env.Type, env.ID, ErrDeliveryAbandoned)
			}
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
	return n, nil
}

func (d *Dispatcher) queueFor(endpoints []*Endpoint, env Envelope, settled chan<- bool) (int, error) {
	n := 0
	for _, ep := range endpoints {
		if !ep.Active() || !ep.Subscribes(env.Type) {
			continue
		}
		if err := d.enqueue(ep.ID, queued{env: env, settled: settled}); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		log.Printf("[Webhook] Queued %s %s for %d endpoint(s) of company %s", env.Type, env.ID, n, env.CompanyID)
	}
	return n, nil
}

func (d *Dispatcher) enqueue(endpointID string, item queued) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	q, running := d.queues[endpointID]
	if !running {
		q = &endpointQueue{}
		d.queues[endpointID] = q
	}
	q.items = append(q.items, item)
	metrics.WebhookQueueDepth.Inc()

	if !running {
		d.wg.Add(1)
		go d.drain(endpointID, q)
	}
	return nil
}

// drain owns the endpoint's queue until it is empty. The queue entry is
// removed under the lock, so the next enqueue starts a fresh worker only
// after this one has stopped taking items.
func (d *Dispatcher) drain(endpointID string, q *endpointQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.items) == 0 || d.ctx.Err() != nil {
			rest := q.items
			dropped := len(rest)
			q.items = nil
			delete(d.queues, endpointID)
			d.idle.Broadcast()
			d.mu.Unlock()
			for _, item := range rest {
				item.finish(false)
			}
			if dropped > 0 {
				metrics.WebhookQueueDepth.Sub(float64(dropped))
				log.Printf("[Webhook] Dropped %d queued deliveries for endpoint %s on shutdown", dropped, endpointID)
			}
			return
		}
		item := q.items[0]
		q.items[0] = queued{}
		q.items = q.items[1:]
		d.mu.Unlock()

		metrics.WebhookQueueDepth.Dec()
		item.finish(d.deliver(d.ctx, endpointID, item.env))
	}
}

// deliver runs the retry loop for one envelope and settles endpoint health
// once at the end. It reports false only when shutdown cut the loop short.
func (d *Dispatcher) deliver(ctx context.Context, endpointID string, env Envelope) bool {
	var last *DeliveryRecord
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		ep, err := d.store.GetEndpoint(ctx, endpointID)
		if err != nil {
			log.Printf("[Webhook] Skipping %s for endpoint %s: %v", env.ID, endpointID, err)
			return ctx.Err() == nil
		}
		if !ep.Active() {
			metrics.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
			log.Printf("[Webhook] Endpoint %s is %s, skipping %s", endpointID, ep.Status, env.ID)
			return true
		}

		last = d.attempt(ctx, ep, env, attempt, false)
		if last.Success {
			if err := d.store.RecordSuccess(ctx, endpointID, last.CreatedAt); err != nil {
				log.Printf("[Webhook] Failed to record success for endpoint %s: %v", endpointID, err)
			}
			d.audit.Record(ctx, audit.Record{
				Action:      audit.ActionWebhookDelivered,
				SubjectType: "webhook_endpoint",
				SubjectID:   endpointID,
				CompanyID:   ep.CompanyID,
				Details:     map[string]any{"event_id": env.ID, "event_type": env.Type, "attempt": attempt},
			})
			return true
		}

		if attempt < d.policy.MaxAttempts {
			if err := sleep(ctx, d.policy.RetryBackoff*time.Duration(attempt)); err != nil {
				// shutting down; the delivery is abandoned without counting
				return false
			}
		}
	}

	if ctx.Err() != nil {
		return false
	}
	reason := last.Error
	if reason == "" {
		reason = "HTTP " + strconv.Itoa(last.ResponseStatus)
	}
	tripped, err := d.store.RecordFailure(ctx, endpointID, reason, d.now(), d.policy.FailureThreshold)
	if err != nil {
		log.Printf("[Webhook] Failed to record failure for endpoint %s: %v", endpointID, err)
		return true
	}
	d.audit.Record(ctx, audit.Record{
		Action:      audit.ActionWebhookFailed,
		SubjectType: "webhook_endpoint",
		SubjectID:   endpointID,
		CompanyID:   env.CompanyID,
		Details:     map[string]any{"event_id": env.ID, "event_type": env.Type, "reason": reason},
	})
	if tripped {
		metrics.WebhookEndpointTrips.Inc()
		log.Printf("[Webhook] Endpoint %s disabled after %d consecutive failures", endpointID, d.policy.FailureThreshold)
		d.audit.Record(ctx, audit.Record{
			Action:      audit.ActionWebhookEndpointTrip,
			SubjectType: "webhook_endpoint",
			SubjectID:   endpointID,
			CompanyID:   env.CompanyID,
			Details:     map[string]any{"threshold": d.policy.FailureThreshold, "reason": reason},
		})
	}
	return true
}

// attempt performs one signed POST and stores its delivery record.
func (d *Dispatcher) attempt(ctx context.Context, ep *Endpoint, env Envelope, n int, test bool) *DeliveryRecord {
	rec := &DeliveryRecord{
		ID:         uuid.New().String(),
		EndpointID: ep.ID,
		EventID:    env.ID,
		EventType:  env.Type,
		URL:        ep.URL,
		Attempt:    n,
		Test:       test,
		CreatedAt:  d.now(),
	}

	body, err := json.Marshal(env)
	if err != nil {
		rec.Error = fmt.Sprintf("marshal envelope: %v", err)
		d.saveDelivery(ctx, rec)
		return rec
	}
	rec.Payload = string(body)

	reqCtx, cancel := context.WithTimeout(ctx, d.policy.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		rec.Error = fmt.Sprintf("build request: %v", err)
		d.saveDelivery(ctx, rec)
		return rec
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEndpoint, ep.ID)
	req.Header.Set(HeaderEventID, env.ID)
	req.Header.Set(HeaderEventType, env.Type)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(rec.CreatedAt.Unix(), 10))
	req.Header.Set(HeaderSignature, Sign(ep.Secret, rec.CreatedAt, body))
	if test {
		req.Header.Set(HeaderTest, "true")
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	rec.Duration = time.Since(start)
	metrics.WebhookDeliveryDuration.Observe(rec.Duration.Seconds())

	if err != nil {
		rec.Error = truncateString(err.Error(), 500)
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		log.Printf("[Webhook] Attempt %d of %s to %s failed: %v", n, env.ID, ep.ID, err)
		d.saveDelivery(ctx, rec)
		return rec
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	rec.ResponseStatus = resp.StatusCode
	rec.ResponseBody = truncateString(string(respBody), maxStoredBodySize)
	rec.Success = resp.StatusCode >= 200 && resp.StatusCode < 300

	if rec.Success {
		metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		log.Printf("[Webhook] Attempt %d of %s to %s returned %d", n, env.ID, ep.ID, resp.StatusCode)
	}
	d.saveDelivery(ctx, rec)
	return rec
}

func (d *Dispatcher) saveDelivery(ctx context.Context, rec *DeliveryRecord) {
	if err := d.store.SaveDelivery(ctx, rec); err != nil {
		log.Printf("[Webhook] Failed to save delivery %s: %v", rec.ID, err)
	}
}

// TestEndpoint sends a synthetic webhook.test event synchronously. The
// outcome is recorded but never changes endpoint health, and disabled
// endpoints can be tested before being re-enabled.
func (d *Dispatcher) TestEndpoint(ctx context.Context, companyID, endpointID string) (*DeliveryRecord, error) {
	ep, err := d.Get(ctx, companyID, endpointID)
	if err != nil {
		return nil, err
	}
	env, err := NewEnvelope(companyID, EventTest, map[string]any{
		"endpoint_id": ep.ID,
		"message":     "This is a test webhook delivery.",
	})
	if err != nil {
		return nil, err
	}
	return d.attempt(ctx, ep, env, 1, true), nil
}

// Register validates and stores a new active endpoint. The returned endpoint
// carries the plaintext secret; later reads through the API never show it.
func (d *Dispatcher) Register(ctx context.Context, in EndpointInput) (*Endpoint, error) {
	if err := validateURL(in.URL); err != nil {
		return nil, err
	}
	if err := validateEvents(in.Events); err != nil {
		return nil, err
	}
	secret := in.Secret
	if secret == "" {
		var err error
		if secret, err = generateSecret(); err != nil {
			return nil, err
		}
	}

	now := d.now()
	ep := &Endpoint{
		ID:        uuid.New().String(),
		CompanyID: in.CompanyID,
		URL:       in.URL,
		Secret:    secret,
		Events:    dedupe(in.Events),
		Enabled:   true,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	log.Printf("[Webhook] Registered endpoint %s for company %s", ep.ID, ep.CompanyID)
	return ep, nil
}

// Get loads an endpoint owned by companyID.
func (d *Dispatcher) Get(ctx context.Context, companyID, endpointID string) (*Endpoint, error) {
	ep, err := d.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if ep.CompanyID != companyID {
		return nil, ErrEndpointNotFound
	}
	return ep, nil
}

func (d *Dispatcher) List(ctx context.Context, companyID string) ([]*Endpoint, error) {
	return d.store.ListEndpoints(ctx, companyID)
}

// Update replaces the URL and subscriptions. Empty values keep the current
// setting.
func (d *Dispatcher) Update(ctx context.Context, companyID, endpointID, rawURL string, events []string) (*Endpoint, error) {
	ep, err := d.Get(ctx, companyID, endpointID)
	if err != nil {
		return nil, err
	}
	if rawURL != "" {
		if err := validateURL(rawURL); err != nil {
			return nil, err
		}
		ep.URL = rawURL
	}
	if events != nil {
		if err := validateEvents(events); err != nil {
			return nil, err
		}
		ep.Events = dedupe(events)
	}
	if err := d.store.UpdateEndpoint(ctx, ep.ID, ep.URL, ep.Events, d.now()); err != nil {
		return nil, err
	}
	return d.store.GetEndpoint(ctx, ep.ID)
}

func (d *Dispatcher) Remove(ctx context.Context, companyID, endpointID string) error {
	if _, err := d.Get(ctx, companyID, endpointID); err != nil {
		return err
	}
	return d.store.DeleteEndpoint(ctx, endpointID)
}

// Disable stops deliveries without touching the failure history.
func (d *Dispatcher) Disable(ctx context.Context, companyID, endpointID string) (*Endpoint, error) {
	return d.setState(ctx, companyID, endpointID, StatusDisabled, false, false)
}

// Enable reactivates an endpoint, including one tripped by failures, and
// clears its consecutive failure count.
func (d *Dispatcher) Enable(ctx context.Context, companyID, endpointID string) (*Endpoint, error) {
	return d.setState(ctx, companyID, endpointID, StatusActive, true, true)
}

func (d *Dispatcher) setState(ctx context.Context, companyID, endpointID string, status Status, enabled, reset bool) (*Endpoint, error) {
	if _, err := d.Get(ctx, companyID, endpointID); err != nil {
		return nil, err
	}
	if err := d.store.SetEndpointState(ctx, endpointID, status, enabled, reset, d.now()); err != nil {
		return nil, err
	}
	log.Printf("[Webhook] Endpoint %s set to %s", endpointID, status)
	return d.store.GetEndpoint(ctx, endpointID)
}

// Deliveries returns the newest delivery records for an endpoint.
func (d *Dispatcher) Deliveries(ctx context.Context, companyID, endpointID string, limit int) ([]*DeliveryRecord, error) {
	if _, err := d.Get(ctx, companyID, endpointID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return d.store.ListDeliveries(ctx, endpointID, limit)
}

// PruneDeliveries removes delivery records older than the retention window.
func (d *Dispatcher) PruneDeliveries(ctx context.Context) (int, error) {
	n, err := d.store.PruneDeliveries(ctx, d.now().Add(-d.policy.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[Webhook] Pruned %d delivery records", n)
	}
	return n, nil
}

// Wait blocks until every queue is empty.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	for len(d.queues) > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

// Close stops accepting events and lets queued deliveries finish until ctx
// is done; whatever remains is abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

func validateEvents(events []string) error {
	if len(events) == 0 {
		return fmt.Errorf("%w: at least one event type is required", ErrInvalidEvents)
	}
	for _, e := range events {
		if !IsKnownEventType(e) {
			return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvents, e)
		}
	}
	return nil
}

func dedupe(events []string) []string {
	seen := make(map[string]bool, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Join(errors.New("generate webhook secret"), err)
	}
	return secretPrefix + hex.EncodeToString(b), nil
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}
