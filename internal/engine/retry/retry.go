// Package retry implements the engine's retry policy: a pure decision
// function mapping (attempt, error, config) to retry-or-give-up plus the
// backoff delay. It holds no state and is safe to call from any goroutine.
package retry

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	mathrand "math/rand"
	"time"

	"github.com/ukleadgen/leadgen-backend/pkg/taskerror"
)

// Strategy selects how the backoff delay grows across attempts.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyFibonacci   Strategy = "fibonacci"
	StrategyCustom      Strategy = "custom"
)

// DelayFunc computes a custom delay. It must be pure: same inputs, same
// output, no side effects.
type DelayFunc func(attempt int, baseDelay time.Duration) time.Duration

// Config describes retry behavior for a task or campaign. Immutable once
// attached to a task.
type Config struct {
	Strategy    Strategy
	MaxAttempts int           // total attempts allowed, including the first
	BaseDelay   time.Duration // first-attempt delay unit
	MaxDelay    time.Duration // clamp for growing strategies
	Jitter      bool          // randomize the final delay (see applyJitter)
	CustomDelay DelayFunc     // required for StrategyCustom
}

// DefaultConfig mirrors the production timing profile of the lead generator:
// three attempts, exponential growth from one second up to a minute.
func DefaultConfig() Config {
	return Config{
		Strategy:    StrategyExponential,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      true,
	}
}

func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("MaxAttempts must be >= 1")
	}
	if c.BaseDelay < 0 {
		return errors.New("BaseDelay must not be negative")
	}
	if c.MaxDelay < 0 {
		return errors.New("MaxDelay must not be negative")
	}
	switch c.Strategy {
	case StrategyFixed, StrategyLinear, StrategyExponential, StrategyFibonacci:
	case StrategyCustom:
		if c.CustomDelay == nil {
			return errors.New("CustomDelay is required for the custom strategy")
		}
	default:
		return errors.New("unknown retry strategy: " + string(c.Strategy))
	}
	return nil
}

// Decision is the outcome of consulting the policy after a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide returns whether a task that has consumed `attempt` attempts (1-based)
// and failed with err should be retried, and after what delay. Terminal,
// cancelled and timeout errors are never retried regardless of strategy.
func Decide(attempt int, err error, cfg Config) Decision {
	if attempt >= cfg.MaxAttempts {
		return Decision{}
	}
	if !taskerror.IsRetryable(err) {
		return Decision{}
	}

	delay := DelayFor(attempt, cfg)
	if cfg.Jitter {
		delay = applyJitter(delay)
	}
	return Decision{Retry: true, Delay: delay}
}

// DelayFor computes the raw (pre-jitter) delay for the given 1-based attempt.
func DelayFor(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch cfg.Strategy {
	case StrategyLinear:
		return cfg.BaseDelay * time.Duration(attempt)
	case StrategyExponential:
		return clamp(scale(cfg.BaseDelay, 1<<uint(attempt-1)), cfg.MaxDelay)
	case StrategyFibonacci:
		return clamp(scale(cfg.BaseDelay, fib(attempt)), cfg.MaxDelay)
	case StrategyCustom:
		d := cfg.CustomDelay(attempt, cfg.BaseDelay)
		if d < 0 {
			d = 0
		}
		return clamp(d, cfg.MaxDelay)
	default: // StrategyFixed
		return cfg.BaseDelay
	}
}

// scale multiplies with overflow protection: once the product would exceed
// the representable range it saturates, and clamp takes over.
func scale(base time.Duration, factor int64) time.Duration {
	if base <= 0 || factor <= 0 {
		return 0
	}
	const maxDuration = time.Duration(1<<63 - 1)
	if factor > int64(maxDuration/base) {
		return maxDuration
	}
	return base * time.Duration(factor)
}

func clamp(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// fib returns the n-th Fibonacci number, fib(1) = fib(2) = 1. Saturates well
// before int64 overflow; the clamp makes anything past ~90 irrelevant anyway.
func fib(n int) int64 {
	if n <= 2 {
		return 1
	}
	a, b := int64(1), int64(1)
	for i := 3; i <= n; i++ {
		if b > (1<<62)-a {
			return 1 << 62
		}
		a, b = b, a+b
	}
	return b
}

// applyJitter multiplies the delay by a uniform random factor in [0.5, 1.5)
// to break up synchronized retry storms across concurrent tasks.
func applyJitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + SecureFloat64()))
}

// SecureFloat64 returns a random float64 in [0.0, 1.0) sourced from
// crypto/rand, falling back to math/rand if the system source fails.
func SecureFloat64() float64 {
	var b [8]byte
	_, err := rand.Read(b[:])
	if err != nil {
		return mathrand.Float64()
	}
	return float64(binary.BigEndian.Uint64(b[:])) / (1 << 64)
}
