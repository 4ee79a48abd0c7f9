// Package retry wraps a single collection attempt with backoff retries.
//
// # Strategies
//
//   - fixed:       BaseDelay between every attempt
//   - linear:      BaseDelay * attempt
//   - exponential: BaseDelay * 2^(attempt-1) with full jitter (default)
//
// Full jitter draws the actual sleep uniformly from [0, computed_delay]. The
// computed (pre-jitter) delay is non-decreasing across attempts and capped at
// MaxDelay.
//
// Only retryable errors are retried. Errors from the device transport are
// retryable unless explicitly wrapped with NonRetryable (e.g. authentication
// failures). Sleeps select on the context so a stopping collector never waits
// out a backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// Strategy selects the backoff curve.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Policy holds retry tuning.
type Policy struct {
	Strategy    Strategy
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// JitterFraction in [0,1] scales how much of the computed delay is
	// randomized. 1.0 is full jitter (uniform in [0, delay]); 0 disables
	// jitter. Only applied to the exponential strategy.
	JitterFraction float64

	Logger *slog.Logger
}

// DefaultPolicy returns the default exponential-with-full-jitter policy.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:       StrategyExponential,
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		JitterFraction: 1.0,
	}
}

// nonRetryableError marks an error that must not be retried.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps an error so the policy fails fast on it.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsRetryable reports whether the policy would retry after err.
// Unknown errors are retryable; only NonRetryable-wrapped (and context)
// errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var nr *nonRetryableError
	if errors.As(err, &nr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Do runs op, retrying retryable failures up to MaxAttempts total attempts.
// Returns nil on the first success, the last error once attempts are
// exhausted, or the first non-retryable error immediately.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultPolicy().MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Debug("attempt succeeded after retries", "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			logger.Debug("non-retryable error, giving up",
				"attempt", attempt,
				"error", err)
			return err
		}
		if attempt == maxAttempts {
			break
		}

		delay := p.Delay(attempt)
		logger.Debug("attempt failed, backing off",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err)

		if err := sleep(ctx, delay); err != nil {
			return lastErr
		}
	}

	logger.Debug("attempts exhausted",
		"attempts", maxAttempts,
		"error", lastErr)
	return lastErr
}

// Delay returns the sleep before the attempt following attempt n (1-based).
// Jitter is applied to the exponential strategy only.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultPolicy().BaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultPolicy().MaxDelay
	}

	var d time.Duration
	switch p.Strategy {
	case StrategyFixed:
		d = base
	case StrategyLinear:
		d = base * time.Duration(attempt)
	default: // exponential
		d = base << (attempt - 1)
	}
	if d > maxDelay || d <= 0 { // <=0 guards shift overflow
		d = maxDelay
	}

	if p.Strategy == StrategyExponential || p.Strategy == "" {
		frac := p.JitterFraction
		if frac < 0 {
			frac = 0
		}
		if frac > 1 {
			frac = 1
		}
		if frac > 0 {
			// Full jitter when frac==1: uniform in [0, d].
			fixed := time.Duration(float64(d) * (1 - frac))
			d = fixed + time.Duration(rand.Int63n(int64(d-fixed)+1))
		}
	}
	return d
}

// ComputedDelay returns the pre-jitter delay for an attempt. Exposed for
// introspection and tests of the monotonicity guarantee.
func (p Policy) ComputedDelay(attempt int) time.Duration {
	noJitter := p
	noJitter.JitterFraction = 0
	return noJitter.Delay(attempt)
}

// sleep waits for d or until the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
