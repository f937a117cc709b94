// Package ratelimit counts requests per key in fixed windows.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/example/giftcard-fulfillment/internal/domain/errs"
)

// Scopes partition counters for the same principal.
const (
	ScopeAPIKey           = "api-key"
	ScopeInvitationSender = "invitation-sender"
	ScopeResendTarget     = "resend-target"
)

// Key builds the counter key for a principal within a scope.
func Key(scope, principal string) string {
	return scope + ":" + principal
}

// Result describes the window after a Check.
type Result struct {
	Limit     int
	Count     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is implemented by the in-process and Redis-backed limiters.
type Limiter interface {
	// Check counts one request against key. Over the limit it returns a
	// *TooManyRequestsError along with the window state.
	Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// TooManyRequestsError reports a rejected request and when its window resets.
type TooManyRequestsError struct {
	Key     string
	Limit   int
	ResetAt time.Time
}

func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("rate limit of %d exceeded for %s, resets at %s", e.Limit, e.Key, e.ResetAt.Format(time.RFC3339))
}

func (e *TooManyRequestsError) Unwrap() error {
	return errs.ErrTooManyRequests
}

// RetryAfter is the wait until the window resets, rounded up to a second.
func (e *TooManyRequestsError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return (d + time.Second - 1) / time.Second * time.Second
}

func result(limit, count int, resetAt time.Time) Result {
	return Result{
		Limit:     limit,
		Count:     count,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
}

func decide(key string, limit, count int, resetAt time.Time) (Result, error) {
	r := result(limit, count, resetAt)
	if count > limit {
		return r, &TooManyRequestsError{Key: key, Limit: limit, ResetAt: resetAt}
	}
	return r, nil
}
