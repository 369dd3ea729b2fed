package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/allisson/jobflow/internal/errors"
)

// BreakerState is the current state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker shields a downstream dependency from repeated failing calls.
// After FailureThreshold consecutive failures the breaker opens and calls fail
// fast with ErrCircuitOpen for OpenDuration; it then half-opens and lets a
// single probe through. A successful probe closes the breaker, a failed one
// re-opens it.
//
// Safe for concurrent use.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	openDuration     time.Duration
	logger           *slog.Logger

	mu            sync.Mutex
	state         BreakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// NewCircuitBreaker creates a breaker for the named dependency.
func NewCircuitBreaker(name string, failureThreshold int, openDuration time.Duration, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		logger:           logger,
		state:            BreakerClosed,
	}
}

// State returns the breaker state, accounting for open-duration expiry.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(time.Now())
}

// Do runs fn under the breaker. When the breaker is open, fn is not invoked
// and ErrCircuitOpen is returned. In half-open state exactly one caller is
// admitted as a probe; concurrent callers fail fast.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState(time.Now()) {
	case BreakerOpen:
		return apperrors.Wrapf(apperrors.ErrCircuitOpen, "dependency %s", cb.name)
	case BreakerHalfOpen:
		if cb.probeInFlight {
			return apperrors.Wrapf(apperrors.ErrCircuitOpen, "dependency %s: probe in flight", cb.name)
		}
		cb.probeInFlight = true
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState(time.Now())
	cb.probeInFlight = false

	if err == nil {
		if state != BreakerClosed && cb.logger != nil {
			cb.logger.Info("circuit breaker closed",
				slog.String("dependency", cb.name),
			)
		}
		cb.state = BreakerClosed
		cb.failures = 0
		return
	}

	cb.failures++
	if state == BreakerHalfOpen || cb.failures >= cb.failureThreshold {
		if cb.state != BreakerOpen && cb.logger != nil {
			cb.logger.Warn("circuit breaker opened",
				slog.String("dependency", cb.name),
				slog.Int("consecutive_failures", cb.failures),
			)
		}
		cb.state = BreakerOpen
		cb.openedAt = time.Now()
	}
}

// currentState must be called with cb.mu held.
func (cb *CircuitBreaker) currentState(now time.Time) BreakerState {
	if cb.state == BreakerOpen && now.Sub(cb.openedAt) >= cb.openDuration {
		cb.state = BreakerHalfOpen
	}
	return cb.state
}

// Breakers hands out one circuit breaker per dependency name, creating them
// lazily with shared thresholds.
//
// Safe for concurrent use.
type Breakers struct {
	failureThreshold int
	openDuration     time.Duration
	logger           *slog.Logger

	mu  sync.Mutex
	set map[string]*CircuitBreaker
}

// NewBreakers creates a Breakers registry.
func NewBreakers(failureThreshold int, openDuration time.Duration, logger *slog.Logger) *Breakers {
	return &Breakers{
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		logger:           logger,
		set:              make(map[string]*CircuitBreaker),
	}
}

// Breaker returns the breaker for the named dependency, creating it on first
// use.
func (b *Breakers) Breaker(name string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.set[name]; ok {
		return cb
	}

	cb := NewCircuitBreaker(name, b.failureThreshold, b.openDuration, b.logger)
	b.set[name] = cb
	return cb
}
