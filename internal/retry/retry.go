// Package retry implements the exponential backoff + jitter combinator and
// the timeout/deadline primitives of §4.10/§4.12. The settlement executor's
// submit loops use WithRetry; the RPC client, blockhash cache, and MPC waits
// apply their own context timeouts instead.
package retry

import (
	"math/rand"
	"time"

	"github.com/confidex/crank/internal/clock"
)

// Options configures withRetry. Zero values take the documented defaults.
type Options struct {
	MaxAttempts       int
	InitialDelayMs    int
	MaxDelayMs        int
	BackoffMultiplier float64
	JitterFactor      float64
	MaxTimeMs         int

	// IsRetryable classifies an error. Nil means "always retryable".
	IsRetryable func(error) bool
	// OnRetry is invoked before each sleep, with the error that triggered
	// the retry, the (1-indexed) attempt number just completed, and the
	// delay about to be slept.
	OnRetry func(err error, attempt int, delayMs int)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialDelayMs <= 0 {
		o.InitialDelayMs = 1000
	}
	if o.MaxDelayMs <= 0 {
		o.MaxDelayMs = 30000
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = 2
	}
	return o
}

// Result is what withRetry returns.
type Result[T any] struct {
	Success     bool
	Value       T
	Err         error
	Attempts    int
	TotalTimeMs int64
}

// DelayForAttempt computes the delay before attempt k (0-indexed), without
// jitter. Exposed standalone so it can be tested against spec §4.10/S4
// independent of sleeping or randomness.
func DelayForAttempt(k int, initialDelayMs int, multiplier float64, maxDelayMs int) int {
	d := float64(initialDelayMs)
	for i := 0; i < k; i++ {
		d *= multiplier
	}
	if d > float64(maxDelayMs) {
		d = float64(maxDelayMs)
	}
	return int(d)
}

func applyJitter(delayMs int, jitterFactor float64, rnd *rand.Rand) int {
	if jitterFactor <= 0 {
		return delayMs
	}
	lo := 1 - jitterFactor
	span := 2 * jitterFactor
	factor := lo + rnd.Float64()*span
	return int(float64(delayMs) * factor)
}

// WithRetry runs fn up to MaxAttempts times (or until MaxTimeMs elapses),
// applying exponential backoff with jitter between attempts, per §4.10.
func WithRetry[T any](clk clock.Clock, fn func(attempt int) (T, error), opts Options) Result[T] {
	opts = opts.withDefaults()
	rnd := rand.New(rand.NewSource(1))
	start := clk.Now()
	done := make(chan struct{})

	var zero T
	var lastErr error

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if opts.MaxTimeMs > 0 && clk.Now().Sub(start) >= time.Duration(opts.MaxTimeMs)*time.Millisecond {
			return Result[T]{Success: false, Err: lastErr, Attempts: attempt - 1, TotalTimeMs: clk.Now().Sub(start).Milliseconds()}
		}

		val, err := fn(attempt)
		if err == nil {
			return Result[T]{Success: true, Value: val, Attempts: attempt, TotalTimeMs: clk.Now().Sub(start).Milliseconds()}
		}
		lastErr = err

		if opts.IsRetryable != nil && !opts.IsRetryable(err) {
			return Result[T]{Success: false, Value: zero, Err: err, Attempts: attempt, TotalTimeMs: clk.Now().Sub(start).Milliseconds()}
		}
		if attempt == opts.MaxAttempts {
			break
		}

		delayMs := DelayForAttempt(attempt-1, opts.InitialDelayMs, opts.BackoffMultiplier, opts.MaxDelayMs)
		delayMs = applyJitter(delayMs, opts.JitterFactor, rnd)

		if opts.OnRetry != nil {
			opts.OnRetry(err, attempt, delayMs)
		}

		if opts.MaxTimeMs > 0 {
			elapsed := clk.Now().Sub(start).Milliseconds()
			remaining := int64(opts.MaxTimeMs) - elapsed
			if remaining <= 0 {
				return Result[T]{Success: false, Err: lastErr, Attempts: attempt, TotalTimeMs: elapsed}
			}
			if int64(delayMs) > remaining {
				delayMs = int(remaining)
			}
		}

		if !clk.Sleep(time.Duration(delayMs)*time.Millisecond, done) {
			return Result[T]{Success: false, Err: lastErr, Attempts: attempt, TotalTimeMs: clk.Now().Sub(start).Milliseconds()}
		}
	}

	return Result[T]{Success: false, Value: zero, Err: lastErr, Attempts: opts.MaxAttempts, TotalTimeMs: clk.Now().Sub(start).Milliseconds()}
}
