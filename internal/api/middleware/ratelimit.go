package middleware

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/example/giftcard-fulfillment/internal/metrics"
	"github.com/example/giftcard-fulfillment/internal/ratelimit"
)

// RateLimit counts requests per principal in the api-key scope. It must run
// after AuthMiddleware. When the limiter itself fails the request is let
// through.
func RateLimit(limiter ratelimit.Limiter, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				respondError(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			res, err := limiter.Check(r.Context(), ratelimit.Key(ratelimit.ScopeAPIKey, p.Key()), limit, window)
			var tooMany *ratelimit.TooManyRequestsError
			switch {
			case errors.As(err, &tooMany):
				setLimitHeaders(w, res)
				w.Header().Set("Retry-After", strconv.Itoa(int(tooMany.RetryAfter(time.Now()).Seconds())))
				metrics.RateLimitRejections.WithLabelValues(ratelimit.ScopeAPIKey).Inc()
				respondError(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			case err != nil:
				log.Printf("[RateLimit] Limiter unavailable, allowing request: %v", err)
			default:
				setLimitHeaders(w, res)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}
