package webservice

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMinInterval is the default gap between two calls to the same shop.
const DefaultMinInterval = 500 * time.Millisecond

// maxRetryAfter caps how long a single Retry-After answer may pause the client
const maxRetryAfter = 2 * time.Minute

// RateLimiter throttles calls to one shop: a token bucket spaces requests
// proactively, and a Retry-After answer pauses every caller until it passes.
type RateLimiter struct {
	mu      sync.Mutex
	bucket  *rate.Limiter
	retryAt time.Time
}

// NewRateLimiter creates a limiter allowing one request per interval.
// A negative interval disables proactive throttling.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	if interval == 0 {
		interval = DefaultMinInterval
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &RateLimiter{bucket: rate.NewLimiter(limit, 1)}
}

// Wait blocks until a request may be sent.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	retryAt := r.retryAt
	r.mu.Unlock()

	if d := time.Until(retryAt); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	return r.bucket.Wait(ctx)
}

// Backoff records a Retry-After header value (seconds or HTTP date) and
// returns the pause it imposes.
func (r *RateLimiter) Backoff(retryAfter string) time.Duration {
	wait := parseRetryAfter(retryAfter, time.Now())
	if wait > maxRetryAfter {
		wait = maxRetryAfter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if until := time.Now().Add(wait); until.After(r.retryAt) {
		r.retryAt = until
	}
	return wait
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return time.Second
}
