package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles each identity by its configured rate. Limiters are
// rebuilt after a TTL so directory changes take effect without a restart.
type RateLimiter struct {
	ttl      time.Duration
	now      func() time.Time
	limiters sync.Map // key hash -> *cachedLimiter
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// WithTTL sets how long a limiter is cached.
func WithTTL(ttl time.Duration) RateLimitOption {
	return func(rl *RateLimiter) { rl.ttl = ttl }
}

// NewRateLimiter creates a limiter with a five minute TTL by default.
func NewRateLimiter(opts ...RateLimitOption) *RateLimiter {
	rl := &RateLimiter{ttl: 5 * time.Minute, now: time.Now}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Middleware must run after AuthMiddleware.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				writeError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// RateLimit=0 means unlimited
			if id.RateLimit > 0 {
				if !rl.limiter(id.KeyHash, id.RateLimit, id.RateBurst).Allow() {
					w.Header().Set("Retry-After", "1")
					writeError(w, "Too Many Requests", http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (rl *RateLimiter) limiter(key string, perSecond, burst int) *rate.Limiter {
	now := rl.now()
	if v, ok := rl.limiters.Load(key); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
	}
	if burst <= 0 {
		burst = perSecond
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	rl.limiters.Store(key, &cachedLimiter{limiter: limiter, expiresAt: now.Add(rl.ttl)})
	return limiter
}
