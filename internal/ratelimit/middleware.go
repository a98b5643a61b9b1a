package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"synthgpt/internal/util"
)

// Limiter is satisfied by FixedWindowLimiter.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Middleware rejects requests over quota, keyed by client IP.
// reject writes the 429 body; Retry-After is already set when it runs.
func Middleware(l Limiter, trusted *util.TrustedProxies, reject http.HandlerFunc, next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := util.ClientIP(r, trusted)
		decision, err := l.Allow(r.Context(), ip)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("rate limiter unavailable", "client_ip", ip, "err", err)
		}
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(decision.RetryAfter)))
			if reject != nil {
				reject(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		next.ServeHTTP(w, r)
	})
}

func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
