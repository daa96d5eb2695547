// Package ratelimit paces the Worker Pool's SMTP sends to the engine's
// configured emails_per_second, generalized from the teacher's own
// internal/ratelimit wrapper around golang.org/x/time/rate.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles outbound sends to a configured rate.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a rate limiter.
// emailsPerSecond: maximum emails per second (0 = unlimited)
// burstSize: maximum burst size (defaults to emailsPerSecond when <= 0)
func NewRateLimiter(emailsPerSecond int, burstSize int) *RateLimiter {
	if emailsPerSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burstSize <= 0 {
		burstSize = emailsPerSecond
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(emailsPerSecond), burstSize)}
}

// Wait blocks until the limiter admits the next send, or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}
