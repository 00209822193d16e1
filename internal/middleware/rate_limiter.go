// Package middleware carries the HTTP middlewares for the ops router:
// per-client rate limiting and request logging.
package middleware

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces a per-client request budget on the ops endpoints
// using a fixed one-minute window per remote address. Expired windows are
// garbage-collected in the background.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	logger  *log.Logger
	now     func() time.Time
}

type window struct {
	count int
	start time.Time
}

// NewRateLimiter creates a limiter allowing maxPerMinute requests per client.
func NewRateLimiter(maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = 120
	}
	rl := &RateLimiter{
		windows: make(map[string]*window),
		limit:   maxPerMinute,
		logger:  log.New(log.Writer(), "[RateLimit] ", log.LstdFlags),
		now:     time.Now,
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether the client may make another request this minute.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		rl.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	if w.count > rl.limit {
		rl.logger.Printf("limit exceeded: key=%s count=%d limit=%d", key, w.count, rl.limit)
		return false
	}
	return true
}

// Middleware rejects over-limit requests with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !rl.Allow(host) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := rl.now().Add(-2 * time.Minute)
		rl.mu.Lock()
		for key, w := range rl.windows {
			if w.start.Before(cutoff) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
