package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/example/giftcard-fulfillment/internal/ratelimit"
)

type brokenLimiter struct{}

func (brokenLimiter) Check(context.Context, string, int, time.Duration) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("redis: connection refused")
}

func limitedRequest(p Principal) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	return req.WithContext(WithPrincipal(req.Context(), p))
}

func TestRateLimit_PerPrincipal(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	handler := RateLimit(limiter, 2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	alice := Principal{CompanyID: "company-1", ActorID: "alice"}

	for i, remaining := range []string{"1", "0"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, limitedRequest(alice))
		assert.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, remaining, rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, limitedRequest(alice))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, limitedRequest(Principal{CompanyID: "company-1", ActorID: "bob"}))
	assert.Equal(t, http.StatusOK, rec.Code, "other principals keep their own window")
}

func TestRateLimit_FailsOpen(t *testing.T) {
	called := false
	handler := RateLimit(brokenLimiter{}, 1, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, limitedRequest(Principal{CompanyID: "c", ActorID: "a"}))

	assert.True(t, called)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_RequiresPrincipal(t *testing.T) {
	handler := RateLimit(ratelimit.NewMemoryLimiter(), 1, time.Minute)(http.NotFoundHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
