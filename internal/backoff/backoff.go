// Package backoff computes the delay between callback retries.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry
type Strategy interface {
	// Delay returns how long to wait before retry n (1-indexed).
	// Retry 1 follows the first failed attempt.
	Delay(retry int) time.Duration
}

// Strategy names accepted by New
const (
	KindConstant    = "constant"
	KindLinear      = "linear"
	KindExponential = "exponential"
	KindJitter      = "exponential_jitter"
)

// New builds the strategy called kind
func New(kind string, initial, maxDelay time.Duration) (Strategy, error) {
	if initial < 0 || maxDelay < 0 {
		return nil, fmt.Errorf("backoff: delays must not be negative")
	}

	switch kind {
	case KindConstant:
		return Constant{Interval: initial}, nil
	case KindLinear:
		return Linear{Initial: initial, Max: maxDelay}, nil
	case KindExponential:
		return Exponential{Initial: initial, Max: maxDelay}, nil
	case KindJitter, "":
		return ExponentialWithJitter{Initial: initial, Max: maxDelay}, nil
	default:
		return nil, fmt.Errorf("backoff: unknown strategy %q", kind)
	}
}

// Constant always waits Interval
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Linear waits Initial * retry, capped at Max
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func (l Linear) Delay(retry int) time.Duration {
	return capped(float64(l.Initial)*float64(max(retry, 1)), l.Max)
}

// Exponential waits Initial * 2^(retry-1), capped at Max
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(retry int) time.Duration {
	return capped(exponential(e.Initial, retry), e.Max)
}

// ExponentialWithJitter waits a random duration in
// [0, min(Initial * 2^(retry-1), Max)], spreading out retries of jobs that
// failed together.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialWithJitter) Delay(retry int) time.Duration {
	ceiling := capped(exponential(e.Initial, retry), e.Max)
	return time.Duration(rand.Float64() * float64(ceiling)) //nolint:gosec // jitter, not crypto
}

// Default is exponential with jitter from one second up to one minute
func Default() Strategy {
	return ExponentialWithJitter{Initial: time.Second, Max: time.Minute}
}

func exponential(initial time.Duration, retry int) float64 {
	return float64(initial) * math.Pow(2, float64(max(retry, 1)-1))
}

// capped converts d to a Duration no larger than maxDelay. A zero maxDelay
// only guards against overflow.
func capped(d float64, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
