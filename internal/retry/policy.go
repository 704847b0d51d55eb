// Package retry holds the retry/backoff policy shared by the sync scheduler
// and the embedding queue.
package retry

import (
	"math"
	"time"
)

// Policy describes how many attempts an operation gets and how the delay
// between attempts grows.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultQueuePolicy is used by the embedding queue: 3 attempts, 30s, 60s, ...
// capped at 30 minutes.
func DefaultQueuePolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
		Multiplier:  2,
	}
}

// DefaultSchedulePolicy widens a feed's polling interval after failed syncs,
// never beyond 7 days.
func DefaultSchedulePolicy() Policy {
	return Policy{
		MaxDelay:   7 * 24 * time.Hour,
		Multiplier: 2,
	}
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

func (p Policy) multiplier() float64 {
	if p.Multiplier < 1 {
		return 2
	}
	return p.Multiplier
}

// Attempts returns the effective attempt budget.
func (p Policy) Attempts() int {
	return p.maxAttempts()
}

// Exhausted reports whether attempts has used up the budget.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.maxAttempts()
}

// Backoff returns the delay before retry number attempt (1-based).
// A zero BaseDelay disables the delay.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt <= 0 {
		return 0
	}
	return p.scale(p.BaseDelay, attempt-1, p.MaxDelay)
}

// Widen stretches base by the multiplier once per consecutive failure. The
// result is never shorter than base and never longer than
// max(base, MaxDelay).
func (p Policy) Widen(base time.Duration, failures int) time.Duration {
	if failures <= 0 || base <= 0 {
		return base
	}
	ceiling := p.MaxDelay
	if ceiling < base {
		ceiling = base
	}
	return p.scale(base, failures, ceiling)
}

func (p Policy) scale(d time.Duration, exp int, ceiling time.Duration) time.Duration {
	f := float64(d) * math.Pow(p.multiplier(), float64(exp))
	if ceiling > 0 && f >= float64(ceiling) {
		return ceiling
	}
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}
