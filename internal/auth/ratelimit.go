package auth

import (
	"sync"
	"time"
)

// RateLimiter tracks token requests per client IP.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request from the given IP is allowed.
// Returns true if under limit, false if rate limited.
func (r *RateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	// Filter old attempts
	var recent []time.Time
	for _, t := range r.attempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	// Check if already at limit BEFORE recording this attempt
	if len(recent) >= r.limit {
		r.attempts[ip] = recent
		return false
	}

	r.attempts[ip] = append(recent, now)
	return true
}

// Reset clears attempts for an IP (on successful connection).
func (r *RateLimiter) Reset(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, ip)
}

// RetryAfter returns how long the IP must wait before the next attempt can
// succeed. Zero when the IP is not limited.
func (r *RateLimiter) RetryAfter(ip string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempts := r.attempts[ip]
	if len(attempts) < r.limit {
		return 0
	}
	oldest := attempts[0]
	for _, t := range attempts[1:] {
		if t.Before(oldest) {
			oldest = t
		}
	}
	wait := time.Until(oldest.Add(r.window))
	if wait < 0 {
		return 0
	}
	return wait
}

// Prune drops IPs whose attempts have all aged out of the window.
func (r *RateLimiter) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.window)
	pruned := 0
	for ip, attempts := range r.attempts {
		live := false
		for _, t := range attempts {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(r.attempts, ip)
			pruned++
		}
	}
	return pruned
}
