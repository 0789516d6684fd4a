// ABOUTME: Per-user rate limiting using token bucket algorithm.
// ABOUTME: Protects the server from runaway sync loops and abuse.

package main

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiter settings.
type RateLimitConfig struct {
	Interval time.Duration // Time between allowed requests
	Burst    int           // Max burst size
}

// DefaultRateLimitConfig returns ~100 req/min with burst of 20. A full sync
// pass touches every entity endpoint, so the burst covers one pass.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Interval: 600 * time.Millisecond,
		Burst:    20,
	}
}

// rateLimiterStore manages per-user rate limiters.
type rateLimiterStore struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	config   RateLimitConfig
}

func newRateLimiterStore(config RateLimitConfig) *rateLimiterStore {
	return &rateLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		config:   config,
	}
}

func (s *rateLimiterStore) get(userID string) *rate.Limiter {
	s.mu.RLock()
	limiter, ok := s.limiters[userID]
	s.mu.RUnlock()
	if ok {
		return limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if limiter, ok := s.limiters[userID]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Every(s.config.Interval), s.config.Burst)
	s.limiters[userID] = limiter
	return limiter
}

// withRateLimit rejects requests above the per-user budget. Runs after auth
// so the key is the authenticated user, not the client IP.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiters != nil {
			if !s.limiters.get(userIDFrom(r.Context())).Allow() {
				fail(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
