package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/spindate/matchd/pkg/metrics"
)

const limiterCleanupInterval = 5 * time.Minute

// userRateLimiter keeps a token bucket per user id. Entries idle longer than
// the cleanup interval are dropped so the map tracks active users only.
type userRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUserRateLimiter(r rate.Limit, burst int) *userRateLimiter {
	rl := &userRateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     r,
		burst:    burst,
	}
	go rl.cleanupLoop()
	return rl
}

// allow reports whether a request for key may proceed, and the wait until the
// next token when it may not.
func (rl *userRateLimiter) allow(key string) (allowed bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()

	reservation := entry.limiter.Reserve()
	if !reservation.OK() {
		return false, time.Minute
	}
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return false, delay
	}
	return true, 0
}

func (rl *userRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupInterval)
	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-limiterCleanupInterval)
		for key, entry := range rl.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(rl.limiters, key)
			}
		}
		rl.mu.Unlock()
	}
}

// rateLimit limits requests per user id path param, falling back to the
// client address for routes without one.
func (s *Server) rateLimit(limiter *userRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := chi.URLParam(r, "userID")
			if key == "" {
				key = r.RemoteAddr
			}
			allowed, retryAfter := limiter.allow(key)
			if !allowed {
				retrySeconds := int(retryAfter.Seconds())
				if retrySeconds < 1 {
					retrySeconds = 1
				}
				metrics.RateLimitRejectionsTotal.Inc()
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retrySeconds))
				s.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
