package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter throttles inbound envelopes on one connection. The bucket
// holds capacity tokens and regains one every interval/capacity, so an
// empty bucket is full again after interval.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Every(interval/time.Duration(capacity)), capacity),
	}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}
