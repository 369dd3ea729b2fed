package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/jobflow/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("payments", 3, time.Minute, testLogger())
	boom := errors.New("boom")
	fail := func(ctx context.Context) error { return boom }

	for i := 0; i < 3; i++ {
		err := cb.Do(context.Background(), fail)
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, BreakerOpen, cb.State())

	// Calls now fail fast without invoking fn
	invoked := false
	err := cb.Do(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("payments", 3, time.Minute, testLogger())
	boom := errors.New("boom")

	require.Error(t, cb.Do(context.Background(), func(ctx context.Context) error { return boom }))
	require.Error(t, cb.Do(context.Background(), func(ctx context.Context) error { return boom }))
	require.NoError(t, cb.Do(context.Background(), func(ctx context.Context) error { return nil }))

	// Two more failures stay under the threshold after the reset
	require.Error(t, cb.Do(context.Background(), func(ctx context.Context) error { return boom }))
	require.Error(t, cb.Do(context.Background(), func(ctx context.Context) error { return boom }))

	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbeClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker("payments", 1, 10*time.Millisecond, testLogger())

	require.Error(t, cb.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	}))
	require.Equal(t, BreakerOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, BreakerHalfOpen, cb.State())

	// Successful probe closes the breaker
	err := cb.Do(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbeReopensOnFailure(t *testing.T) {
	cb := NewCircuitBreaker("payments", 1, 10*time.Millisecond, testLogger())

	require.Error(t, cb.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	}))

	time.Sleep(20 * time.Millisecond)

	err := cb.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("still broken")
	})
	require.Error(t, err)
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	cb := NewCircuitBreaker("payments", 1, 10*time.Millisecond, testLogger())

	require.Error(t, cb.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	}))
	require.Equal(t, BreakerOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, BreakerHalfOpen, cb.State())

	// While the probe is in flight, a concurrent caller fails fast
	probeStarted := make(chan struct{})
	probeFinish := make(chan struct{})
	probeDone := make(chan error, 1)

	go func() {
		probeDone <- cb.Do(context.Background(), func(ctx context.Context) error {
			close(probeStarted)
			<-probeFinish
			return nil
		})
	}()

	<-probeStarted
	err := cb.Do(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)

	close(probeFinish)
	require.NoError(t, <-probeDone)
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakers_ReturnsSameBreakerPerName(t *testing.T) {
	breakers := NewBreakers(5, time.Minute, testLogger())

	payments := breakers.Breaker("payments")
	assert.Same(t, payments, breakers.Breaker("payments"))
	assert.NotSame(t, payments, breakers.Breaker("storage"))
}
