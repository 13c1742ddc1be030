// Package backoff computes retry delays from the backoff options stored
// with a job. Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy names accepted in job options.
const (
	TypeFixed             = "fixed"
	TypeExponential       = "exponential"
	TypeExponentialJitter = "exponential-jitter"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns how long to wait before retrying after attempt
	// attemptsMade (1-indexed) failed.
	Delay(attemptsMade int) time.Duration
}

// Fixed always waits the same interval.
type Fixed struct {
	Interval time.Duration
}

func (f Fixed) Delay(int) time.Duration { return f.Interval }

// Exponential doubles the delay on each attempt: Initial * 2^(attemptsMade-1),
// capped at Max when Max > 0.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attemptsMade int) time.Duration {
	return capped(e.base(attemptsMade), e.Max)
}

func (e Exponential) base(attemptsMade int) float64 {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	return float64(e.Initial) * math.Pow(2, float64(attemptsMade-1))
}

// ExponentialJitter picks a random delay in [0, Exponential.Delay].
type ExponentialJitter struct {
	Exponential
}

func (e ExponentialJitter) Delay(attemptsMade int) time.Duration {
	d := e.Exponential.Delay(attemptsMade)
	return time.Duration(rand.Float64() * float64(d)) //nolint:gosec // jitter does not need crypto rand
}

func capped(d float64, limit time.Duration) time.Duration {
	if limit > 0 && d > float64(limit) {
		return limit
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// For returns the strategy named typ with base delay d. Unknown names fall
// back to Fixed.
func For(typ string, d time.Duration) Strategy {
	switch typ {
	case TypeExponential:
		return Exponential{Initial: d}
	case TypeExponentialJitter:
		return ExponentialJitter{Exponential{Initial: d}}
	default:
		return Fixed{Interval: d}
	}
}
