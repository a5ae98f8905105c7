package executor

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls the exponential backoff applied to Waiting outcomes:
// d = min * 2^(n-1), capped at max, jittered by +/- JitterFrac.
type RetryPolicy struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	JitterFrac float64
	MaxRetries int // 0 means unlimited
}

// DefaultRetryPolicy is a 1s floor, 5m ceiling and 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MinBackoff: time.Second,
		MaxBackoff: 5 * time.Minute,
		JitterFrac: 0.20,
		MaxRetries: 0,
	}
}

// computeBackoff returns the delay before attempt number attempts (1-based)
// should be retried.
func (p RetryPolicy) computeBackoff(attempts int) time.Duration {
	minB := p.MinBackoff
	if minB <= 0 {
		minB = time.Second
	}
	maxB := p.MaxBackoff
	if maxB <= 0 {
		maxB = 5 * time.Minute
	}
	if attempts < 1 {
		attempts = 1
	}
	d := float64(minB) * math.Pow(2, float64(attempts-1))
	if d > float64(maxB) {
		d = float64(maxB)
	}
	jitter := p.JitterFrac
	if jitter <= 0 {
		jitter = 0.20
	}
	delta := d * jitter
	d = d - delta + rand.Float64()*(2*delta)
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// shouldRetry reports whether attempts is still within the policy's bound.
func (p RetryPolicy) shouldRetry(attempts int) bool {
	if p.MaxRetries <= 0 {
		return true
	}
	return attempts <= p.MaxRetries
}
