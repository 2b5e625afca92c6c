package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// RateLimiter provides sliding-window rate limiting keyed by an arbitrary
// string. Component callers key by "operation:address"; the HTTP middleware
// keys by client IP. A window resets fully once elapsed rather than
// decaying gradually, which keeps the policy simple and auditable.
type RateLimiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	limit    int
	interval time.Duration
}

type window struct {
	count   int
	resetAt time.Time
}

// rateKey builds the canonical key for a component-level limit check.
func rateKey(operation, address string) string {
	return operation + ":" + address
}

// NewRateLimiter creates a rate limiter allowing limit attempts per
// interval per key.
func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	rl := &RateLimiter{
		windows:  make(map[string]*window),
		limit:    limit,
		interval: interval,
	}
	// Cleanup expired entries every minute
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			rl.cleanup()
		}
	}()
	return rl
}

// Allow checks if an attempt for key is allowed. Returns remaining attempts
// and whether this one was admitted. The check and the count update are a
// single critical section, so a re-entrant caller cannot double-count.
func (rl *RateLimiter) Allow(key string) (remaining int, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.windows[key]
	if !ok || now.After(w.resetAt) {
		rl.windows[key] = &window{count: 1, resetAt: now.Add(rl.interval)}
		return rl.limit - 1, true
	}

	if w.count >= rl.limit {
		return 0, false
	}

	w.count++
	return rl.limit - w.count, true
}

// ResetTime returns when the current window resets for the given key.
func (rl *RateLimiter) ResetTime(key string) time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if w, ok := rl.windows[key]; ok {
		return w.resetAt
	}
	return time.Now()
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for key, w := range rl.windows {
		if now.After(w.resetAt) {
			delete(rl.windows, key)
		}
	}
}

// WindowState is a persistable snapshot of one active window.
type WindowState struct {
	Key      string
	Attempts int
	ResetAt  time.Time
}

// Snapshot returns all live windows, for persistence across restarts.
func (rl *RateLimiter) Snapshot() []WindowState {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	out := make([]WindowState, 0, len(rl.windows))
	for key, w := range rl.windows {
		if now.After(w.resetAt) {
			continue
		}
		out = append(out, WindowState{Key: key, Attempts: w.count, ResetAt: w.resetAt})
	}
	return out
}

// Restore loads previously snapshotted windows, skipping expired ones.
func (rl *RateLimiter) Restore(states []WindowState) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for _, s := range states {
		if now.After(s.ResetAt) {
			continue
		}
		rl.windows[s.Key] = &window{count: s.Attempts, resetAt: s.ResetAt}
	}
}

// RateLimitMiddleware wraps an http.Handler with per-IP rate limiting.
// Skips rate limiting for the root path and /health.
func RateLimitMiddleware(limiter *RateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip rate limiting for landing page and health check
		if r.URL.Path == "/" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		ip := r.RemoteAddr
		// Use X-Forwarded-For if behind a reverse proxy
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ip = xff
		}

		remaining, allowed := limiter.Allow(ip)
		resetAt := limiter.ResetTime(ip)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

		if !allowed {
			retryAfter := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
				"limit":       limiter.limit,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
