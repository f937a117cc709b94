// Package payment asks the payment provider what happened to an order's
// payment. The provider's answer is a status string; mapping it onto the
// order state machine is order.ParseProviderStatus's job.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/giftcard-fulfillment/internal/domain/errs"
)

const maxResponseBodySize = 64 * 1024

var ErrMissingReference = fmt.Errorf("payment reference is required: %w", errs.ErrValidation)

type Request struct {
	OrderID   string `json:"order_id"`
	Reference string `json:"reference"`
	Method    string `json:"method"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

type Verification struct {
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`
}

type Verifier interface {
	Verify(ctx context.Context, req Request) (Verification, error)
}

// HTTPVerifier posts the request to a provider verification endpoint and
// expects {"status": "...", "reference": "..."} back.
type HTTPVerifier struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPVerifier(url, apiKey string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPVerifier{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, req Request) (Verification, error) {
	if req.Reference == "" {
		return Verification{}, ErrMissingReference
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Verification{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return Verification{}, fmt.Errorf("build verification request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if v.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+v.apiKey)
	}

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return Verification{}, fmt.Errorf("%w: payment provider: %v", errs.ErrExternalService, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return Verification{}, fmt.Errorf("%w: read provider response: %v", errs.ErrExternalService, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Verification{}, fmt.Errorf("%w: payment provider returned HTTP %d", errs.ErrExternalService, resp.StatusCode)
	}

	var out Verification
	if err := json.Unmarshal(raw, &out); err != nil {
		return Verification{}, fmt.Errorf("%w: decode provider response: %v", errs.ErrExternalService, err)
	}
	if strings.TrimSpace(out.Status) == "" {
		return Verification{}, fmt.Errorf("%w: provider response has no status", errs.ErrExternalService)
	}
	if out.Reference == "" {
		out.Reference = req.Reference
	}
	return out, nil
}

// StaticVerifier reports the same status for every payment. It backs local
// runs without a provider.
type StaticVerifier struct {
	Status string
}

func (v StaticVerifier) Verify(_ context.Context, req Request) (Verification, error) {
	if req.Reference == "" {
		return Verification{}, ErrMissingReference
	}
	status := v.Status
	if status == "" {
		status = "completed"
	}
	return Verification{Status: status, Reference: req.Reference}, nil
}
