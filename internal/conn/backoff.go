package conn

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential doubling from Min to Max
// with proportional jitter.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultBackoff returns the reconnect policy defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Jitter: 0.2,
	}
}

// Next returns the delay for the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	wait := min
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= max {
			wait = max
			break
		}
	}
	if b.Jitter > 0 {
		delta := float64(wait) * b.Jitter
		wait = time.Duration(float64(wait) - delta + rand.Float64()*2*delta)
	}
	if wait < 0 {
		wait = min
	}
	return wait
}
