package common

import (
	"log"
	"strconv"
	"sync"
	"time"
)

// RateLimiter tracks request-weight usage against a venue's window limit.
// The venue reports used weight in a response header; the limiter only
// mirrors that number and answers whether the caller should back off.
type RateLimiter struct {
	mu        sync.RWMutex
	used      int
	limit     int
	window    time.Duration
	windowEnd time.Time
}

// NewRateLimiter creates a limiter for the given weight limit and window
// (e.g. 2400 per minute for USDT-M futures).
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1200
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:     limit,
		window:    window,
		windowEnd: time.Now().Add(window),
	}
}

// ObserveHeader records the used-weight header from a venue response.
func (rl *RateLimiter) ObserveHeader(value string) {
	if value == "" {
		return
	}
	used, err := strconv.Atoi(value)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.After(rl.windowEnd) {
		rl.windowEnd = now.Add(rl.window)
	}
	rl.used = used

	pct := float64(used) / float64(rl.limit) * 100
	if pct >= 95 {
		log.Printf("rate limit critical: %d/%d (%.1f%%)", used, rl.limit, pct)
	} else if pct >= 80 {
		log.Printf("rate limit warning: %d/%d (%.1f%%)", used, rl.limit, pct)
	}
}

// Usage returns the current used weight, the limit, and usage percentage.
func (rl *RateLimiter) Usage() (used, limit int, pct float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if time.Now().After(rl.windowEnd) {
		return 0, rl.limit, 0
	}
	return rl.used, rl.limit, float64(rl.used) / float64(rl.limit) * 100
}

// ShouldDelay reports whether the next request should wait for the window
// to roll over.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.Usage()
	return pct >= 90
}
