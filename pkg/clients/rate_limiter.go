// Package clients provides shared client-side infrastructure such as
// rate limiting for outbound API calls.
package clients

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter gates outbound requests across concurrent workers.
// It supports immediate checks and blocking waits with token-bucket semantics.
type RateLimiter interface {
	// Allow checks if a request is allowed immediately
	Allow() bool

	// Wait blocks until a request is allowed or the context is cancelled
	Wait(ctx context.Context) error

	// Stats returns rate limiter statistics
	Stats() RateLimiterStats
}

// RateLimiterStats provides statistics about rate limiter usage.
type RateLimiterStats struct {
	Rate            float64       `json:"rate"`
	Burst           int           `json:"burst"`
	AllowedRequests int64         `json:"allowed_requests"`
	BlockedRequests int64         `json:"blocked_requests"`
	AverageWaitTime time.Duration `json:"average_wait_time"`
}

// TokenBucketRateLimiter implements RateLimiter using a token bucket.
// Tokens accrue at a constant rate and are consumed by requests; a full
// bucket bounds the largest permissible burst.
type TokenBucketRateLimiter struct {
	limiter *rate.Limiter

	// Stats
	allowedRequests int64
	blockedRequests int64
	totalWaitTime   int64
}

// NewRateLimiter creates a token-bucket rate limiter with the specified rate
// (requests per second) and burst size (maximum requests admitted at once).
func NewRateLimiter(requestsPerSec float64, burst int) *TokenBucketRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketRateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), burst),
	}
}

// Allow checks if a request is allowed immediately.
// Returns true if a token is available and consumes it, false otherwise.
func (tb *TokenBucketRateLimiter) Allow() bool {
	if tb.limiter.Allow() {
		atomic.AddInt64(&tb.allowedRequests, 1)
		return true
	}
	atomic.AddInt64(&tb.blockedRequests, 1)
	return false
}

// Wait blocks until a request is allowed
func (tb *TokenBucketRateLimiter) Wait(ctx context.Context) error {
	start := time.Now()

	if err := tb.limiter.Wait(ctx); err != nil {
		atomic.AddInt64(&tb.blockedRequests, 1)
		return err
	}

	atomic.AddInt64(&tb.allowedRequests, 1)
	atomic.AddInt64(&tb.totalWaitTime, time.Since(start).Nanoseconds())
	return nil
}

// Stats returns rate limiter statistics
func (tb *TokenBucketRateLimiter) Stats() RateLimiterStats {
	allowed := atomic.LoadInt64(&tb.allowedRequests)
	blocked := atomic.LoadInt64(&tb.blockedRequests)
	totalWait := atomic.LoadInt64(&tb.totalWaitTime)

	avgWait := time.Duration(0)
	if allowed > 0 {
		avgWait = time.Duration(totalWait / allowed)
	}

	return RateLimiterStats{
		Rate:            float64(tb.limiter.Limit()),
		Burst:           tb.limiter.Burst(),
		AllowedRequests: allowed,
		BlockedRequests: blocked,
		AverageWaitTime: avgWait,
	}
}
