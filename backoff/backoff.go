// Package backoff computes how long a scheduler loop waits after a failed
// store round-trip before trying again. Strategies are stateless and safe
// for concurrent use; a Tracker counts the consecutive failures of one loop.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// minStoreDelay is the smallest wait ForStore will return.
const minStoreDelay = 20 * time.Millisecond

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return capped(e.Initial, e.Max, attempt)
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter
// ──────────────────────────────────────────────────

// ExponentialWithJitter spreads retries of many instances hitting the same
// database. The delay is drawn from [base/2, base] where base is the capped
// exponential delay, so it never collapses to zero.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential strategy with jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [base/2, base].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := capped(e.Initial, e.Max, attempt)
	half := base / 2
	return half + time.Duration(rand.Float64()*float64(base-half)) //nolint:gosec // jitter does not need crypto rand
}

func capped(initial, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// ──────────────────────────────────────────────────
// Store retries
// ──────────────────────────────────────────────────

// ForStore returns the strategy used after store failures: jittered
// exponential growth from a small floor up to retryInterval. A
// non-positive retryInterval falls back to the floor.
func ForStore(retryInterval time.Duration) Strategy {
	if retryInterval < minStoreDelay {
		return NewConstant(minStoreDelay)
	}
	initial := retryInterval / 64
	if initial < minStoreDelay {
		initial = minStoreDelay
	}
	return NewExponentialWithJitter(initial, retryInterval)
}

// Tracker counts consecutive failures of one loop. It is not safe for
// concurrent use; each loop owns its own.
type Tracker struct {
	strategy Strategy
	failures int
}

// NewTracker returns a tracker that waits according to s.
func NewTracker(s Strategy) *Tracker {
	return &Tracker{strategy: s}
}

// Failure records a failed attempt and returns how long to wait.
func (t *Tracker) Failure() time.Duration {
	t.failures++
	return t.strategy.Delay(t.failures)
}

// Success resets the failure count.
func (t *Tracker) Success() { t.failures = 0 }

// Failures returns the number of consecutive failures.
func (t *Tracker) Failures() int { return t.failures }
