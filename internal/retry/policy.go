// Package retry provides retry policies with exponential backoff, failure
// classification, and a circuit breaker for downstream dependencies.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy pairs a maximum attempt count with a backoff schedule.
// The zero value is not usable; construct via one of the presets or fill
// every field.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// InitialDelay is the backoff after the first failed attempt.
	InitialDelay time.Duration
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
	// Multiplier is the exponential growth factor between attempts.
	Multiplier float64
	// JitterFactor adds up to this fraction of the delay as random jitter.
	// Jitter is additive so the delay never drops below the deterministic
	// schedule and stays monotonically non-decreasing across attempts.
	JitterFactor float64
}

// Standard returns the default policy for regular workloads.
func Standard() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// Aggressive returns a policy for critical-path workloads: more attempts with
// a faster initial backoff.
func Aggressive() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     2 * time.Minute,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// Conservative returns a policy for long-running workloads: fewer attempts
// with a slower backoff.
func Conservative() Policy {
	return Policy{
		MaxAttempts:  2,
		InitialDelay: 30 * time.Second,
		MaxDelay:     10 * time.Minute,
		Multiplier:   3.0,
		JitterFactor: 0.1,
	}
}

// Backoff computes the delay before retry attempt n (1-indexed: attempt 1 is
// the first retry after the initial failure). The deterministic part is
// InitialDelay * Multiplier^(n-1) capped at MaxDelay; bounded jitter is added
// on top, also capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}

	delay := base
	if p.JitterFactor > 0 {
		delay += rand.Float64() * p.JitterFactor * base //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	return time.Duration(delay)
}

// Exhausted reports whether a job that has already failed retryCount times
// has no retry budget left under this policy.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount+1 >= p.MaxAttempts
}
