package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyPresets(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
	}{
		{"standard", Standard()},
		{"aggressive", Aggressive()},
		{"conservative", Conservative()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Greater(t, tt.policy.MaxAttempts, 1)
			assert.Greater(t, tt.policy.InitialDelay, time.Duration(0))
			assert.Greater(t, tt.policy.MaxDelay, tt.policy.InitialDelay)
			assert.GreaterOrEqual(t, tt.policy.Multiplier, 1.0)
		})
	}

	// Aggressive retries faster and more often than standard.
	assert.Greater(t, Aggressive().MaxAttempts, Standard().MaxAttempts)
	assert.Less(t, Aggressive().InitialDelay, Standard().InitialDelay)

	// Conservative retries slower and less often than standard.
	assert.Less(t, Conservative().MaxAttempts, Standard().MaxAttempts)
	assert.Greater(t, Conservative().InitialDelay, Standard().InitialDelay)
}

func TestBackoff_MonotoneUpToCap(t *testing.T) {
	for _, tt := range []struct {
		name   string
		policy Policy
	}{
		{"standard", Standard()},
		{"aggressive", Aggressive()},
		{"conservative", Conservative()},
	} {
		t.Run(tt.name, func(t *testing.T) {
			policy := tt.policy
			policy.JitterFactor = 0 // deterministic for monotonicity check

			prev := time.Duration(0)
			for attempt := 1; attempt <= 20; attempt++ {
				delay := policy.Backoff(attempt)
				assert.GreaterOrEqual(t, delay, prev, "attempt %d", attempt)
				assert.LessOrEqual(t, delay, policy.MaxDelay, "attempt %d", attempt)
				prev = delay
			}
		})
	}
}

func TestBackoff_JitterBounded(t *testing.T) {
	policy := Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		JitterFactor: 0.5,
	}

	for i := 0; i < 100; i++ {
		delay := policy.Backoff(1)
		assert.GreaterOrEqual(t, delay, time.Second)
		assert.LessOrEqual(t, delay, 1500*time.Millisecond)
	}
}

func TestBackoff_InvalidAttemptTreatedAsFirst(t *testing.T) {
	policy := Standard()
	policy.JitterFactor = 0

	assert.Equal(t, policy.Backoff(1), policy.Backoff(0))
	assert.Equal(t, policy.Backoff(1), policy.Backoff(-3))
}

func TestExhausted(t *testing.T) {
	policy := Policy{MaxAttempts: 3}

	assert.False(t, policy.Exhausted(0)) // attempt 1 failed, 2 remaining
	assert.False(t, policy.Exhausted(1)) // attempt 2 failed, 1 remaining
	assert.True(t, policy.Exhausted(2))  // attempt 3 failed, budget spent
	assert.True(t, policy.Exhausted(5))
}
