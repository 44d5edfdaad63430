package reconnect

import (
	"math/rand/v2"
	"time"
)

// Default backoff parameters.
const (
	DefaultBaseDelay   = 3 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitter      = time.Second
	DefaultMaxAttempts = 10
)

// Policy is an exponential backoff with additive jitter and a ceiling on
// consecutive failed attempts.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
		MaxAttempts: DefaultMaxAttempts,
	}
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Delay is the wait before attempt n (n >= 1) given a jitter sample:
// min(base*2^(n-1) + jitter, max).
func (p Policy) Delay(attempt int, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	delay += jitter

	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempt is past the ceiling.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}

// sample draws a jitter in [0, p.Jitter).
func (p Policy) sample() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	return rand.N(p.Jitter)
}
