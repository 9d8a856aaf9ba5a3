package auth

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coder/cmux/internal/wire"
)

// limiterEntry pairs a token bucket with when it was last touched, so
// Cleanup can age out idle keys instead of growing forever.
type limiterEntry struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimiter provides per-token rate limiting.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rate    rate.Limit
	burst   int
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond
// sustained with bursts up to burst.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*limiterEntry),
		rate:    rate.Limit(requestsPerSecond),
		burst:   burst,
	}
}

// DefaultRateLimiter returns the server default: 10 req/s, burst 20.
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(10, 20)
}

// getLimiter returns the bucket for key, creating it on first sight and
// refreshing its last-seen time.
func (r *RateLimiter) getLimiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		entry = &limiterEntry{bucket: rate.NewLimiter(r.rate, r.burst)}
		r.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.bucket
}

// Allow reports whether a request for key fits its budget right now.
func (r *RateLimiter) Allow(key string) bool {
	return r.getLimiter(key).Allow()
}

// Cleanup drops every key idle for at least maxAge. Call periodically
// to bound memory; Cleanup(0) resets everything.
func (r *RateLimiter) Cleanup(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.entries {
		if !entry.lastSeen.After(cutoff) {
			delete(r.entries, key)
		}
	}
}

// RateLimitMiddleware creates HTTP middleware for rate limiting, keyed
// by token ID when authenticated and remote address otherwise. Must be
// applied after the auth middleware so the token is on the context.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if authCtx := FromContext(r.Context()); authCtx != nil && authCtx.Token != nil {
				key = authCtx.Token.ID
			}

			if !limiter.Allow(key) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(wire.Fail("rate limit exceeded"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
