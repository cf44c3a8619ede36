package transport

import (
	"math"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts = 5
	defaultDelay       = 1 * time.Second
	defaultMultiplier  = 2.0
	defaultMaxDelay    = 30 * time.Second
)

// ReconnectPolicy controls how an unexpectedly closed connection is
// re-established.
type ReconnectPolicy struct {
	// MaxAttempts is the number of reconnections scheduled after one drop
	// before the connection settles to [StateDisconnected]. A successful
	// reconnection restores the full budget.
	MaxAttempts int

	// Delay is the wait before the first attempt.
	Delay time.Duration

	// Multiplier scales the delay for every further attempt. Values ≤ 1 give
	// a fixed delay.
	Multiplier float64

	// MaxDelay caps the delay. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultReconnectPolicy returns five attempts starting at one second,
// doubling up to thirty seconds.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: defaultMaxAttempts,
		Delay:       defaultDelay,
		Multiplier:  defaultMultiplier,
		MaxDelay:    defaultMaxDelay,
	}
}

// Backoff returns the wait before the given attempt (1-based):
// Delay × Multiplier^(attempt-1), capped at MaxDelay.
func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Delay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
