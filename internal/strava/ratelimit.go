package strava

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// Strava enforces 100 requests per 15 minutes and 1000 per day, reported
// back as comma-paired values in X-RateLimit-Limit / X-RateLimit-Usage.

// RateLimiter tracks remote rate-limit budget from response headers.
type RateLimiter struct {
	mu sync.Mutex

	shortLimit int
	shortUsage int
	dailyLimit int
	dailyUsage int
}

// NewRateLimiter starts from Strava's published default limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		shortLimit: 100,
		dailyLimit: 1000,
	}
}

// UpdateFromHeaders records the usage and limits the remote platform reported.
func (r *RateLimiter) UpdateFromHeaders(h http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if short, daily, ok := parsePair(h.Get("X-RateLimit-Usage")); ok {
		r.shortUsage = short
		r.dailyUsage = daily
	}
	if short, daily, ok := parsePair(h.Get("X-RateLimit-Limit")); ok {
		r.shortLimit = short
		r.dailyLimit = daily
	}
}

// Remaining reports how much request budget is left in each window.
func (r *RateLimiter) Remaining() (shortRemaining, dailyRemaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shortLimit - r.shortUsage, r.dailyLimit - r.dailyUsage
}

func parsePair(value string) (short, daily int, ok bool) {
	parts := strings.Split(value, ",")
	if len(parts) < 2 {
		return 0, 0, false
	}
	short, shortErr := strconv.Atoi(strings.TrimSpace(parts[0]))
	daily, dailyErr := strconv.Atoi(strings.TrimSpace(parts[1]))
	if shortErr != nil || dailyErr != nil {
		return 0, 0, false
	}
	return short, daily, true
}
