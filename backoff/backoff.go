// Package backoff computes the delay applied before a released job becomes
// eligible for redelivery. All strategies are stateless and safe for
// concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed): attempt 1
// is the release that follows the first failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Sequence indexes an ordered list of delays by attempt. Attempts past the
// end reuse the last delay; an empty sequence means no delay.
type Sequence struct {
	Delays []time.Duration
}

// NewSequence creates a sequence strategy.
func NewSequence(delays ...time.Duration) *Sequence {
	return &Sequence{Delays: append([]time.Duration(nil), delays...)}
}

// Delay returns Delays[min(attempt-1, len-1)].
func (s *Sequence) Delay(attempt int) time.Duration {
	if len(s.Delays) == 0 {
		return 0
	}
	i := min(max(attempt-1, 0), len(s.Delays)-1)
	return s.Delays[i]
}

// Constant always returns Interval.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// Exponential doubles the delay each attempt: min(Initial * 2^(attempt-1), Max).
// With Jitter set the result is drawn uniformly from [0, that value].
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay, Jitter: true}
}

// Delay returns the capped exponential delay for attempt.
func (e *Exponential) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(max(attempt-1, 0)))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	if e.Jitter {
		return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	return time.Duration(base)
}

// None redelivers immediately.
func None() Strategy { return NewConstant(0) }

// For picks the strategy for a job's own delays: a single delay is fixed,
// several form a Sequence, and none falls back to fallback (or None).
func For(delays []time.Duration, fallback Strategy) Strategy {
	switch len(delays) {
	case 0:
		if fallback == nil {
			return None()
		}
		return fallback
	case 1:
		return NewConstant(delays[0])
	default:
		return NewSequence(delays...)
	}
}
