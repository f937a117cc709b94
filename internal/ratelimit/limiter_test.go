package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/example/giftcard-fulfillment/internal/domain/errs"
	"github.com/example/giftcard-fulfillment/internal/infrastructure/cache"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestMemoryLimiter_WindowReset(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter().WithClock(clock.now)
	ctx := context.Background()
	key := Key(ScopeAPIKey, "company-1")

	for i := 1; i <= 3; i++ {
		r, err := l.Check(ctx, key, 3, time.Minute)
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, 3-i, r.Remaining)
	}

	_, err := l.Check(ctx, key, 3, time.Minute)
	var tooMany *TooManyRequestsError
	require.True(t, errors.As(err, &tooMany))
	assert.ErrorIs(t, err, errs.ErrTooManyRequests)
	assert.Equal(t, clock.t.Add(time.Minute), tooMany.ResetAt)
	assert.Equal(t, time.Minute, tooMany.RetryAfter(clock.t))

	clock.advance(time.Minute)

	r, err := l.Check(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count)
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()

	_, err := l.Check(ctx, Key(ScopeResendTarget, "a@example.com"), 1, time.Hour)
	require.NoError(t, err)
	_, err = l.Check(ctx, Key(ScopeResendTarget, "a@example.com"), 1, time.Hour)
	assert.Error(t, err)

	_, err = l.Check(ctx, Key(ScopeResendTarget, "b@example.com"), 1, time.Hour)
	assert.NoError(t, err)
	_, err = l.Check(ctx, Key(ScopeInvitationSender, "a@example.com"), 1, time.Hour)
	assert.NoError(t, err)
}

func TestMemoryLimiter_ConcurrentChecksCountExactly(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Check(ctx, "k", 10, time.Hour); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}

func TestMemoryLimiter_Cleanup(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := NewMemoryLimiter().WithClock(clock.now)
	ctx := context.Background()

	_, _ = l.Check(ctx, "short", 1, time.Second)
	_, _ = l.Check(ctx, "long", 1, time.Hour)
	clock.advance(2 * time.Second)

	assert.Equal(t, 1, l.Cleanup())
	assert.Equal(t, 1, l.Len())
}

func TestTooManyRequestsError_RetryAfterRoundsUp(t *testing.T) {
	now := time.Now()
	e := &TooManyRequestsError{ResetAt: now.Add(1500 * time.Millisecond)}
	assert.Equal(t, 2*time.Second, e.RetryAfter(now))
	assert.Zero(t, e.RetryAfter(now.Add(time.Hour)))
}

// Runs against a real Redis when REDIS_URL is set.
func TestRedisLimiter_WindowReset(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := cache.Connect(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	l := NewRedisLimiter(client)
	key := Key(ScopeAPIKey, uuid.NewString())

	for i := 0; i < 3; i++ {
		_, err := l.Check(ctx, key, 3, 300*time.Millisecond)
		require.NoError(t, err)
	}
	_, err = l.Check(ctx, key, 3, 300*time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrTooManyRequests)

	time.Sleep(400 * time.Millisecond)
	_, err = l.Check(ctx, key, 3, 300*time.Millisecond)
	assert.NoError(t, err)
}
