package client

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps every delay, including jittered and Retry-After delays.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// Jitter spreads each delay uniformly over ±Jitter of its value (0 disables).
	// Delays still never decrease from one attempt to the next.
	Jitter float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.5,
	}
}

// Validate checks the retry parameters.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", c.MaxAttempts)
	}
	if c.InitialBackoff < 0 {
		return fmt.Errorf("initial_backoff must be >= 0 (got %s)", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max_backoff (%s) must be >= initial_backoff (%s)", c.MaxBackoff, c.InitialBackoff)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1 (got %g)", c.BackoffMultiplier)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0, 1] (got %g)", c.Jitter)
	}
	return nil
}

// Backoff returns the un-jittered delay before the given attempt:
// min(InitialBackoff * Multiplier^(attempt-2), MaxBackoff) for attempt >= 2.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	d := float64(c.InitialBackoff)
	for i := 2; i < attempt; i++ {
		d *= c.BackoffMultiplier
		if d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	if d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// applyJitter scales d by a factor drawn from [1-Jitter, 1+Jitter) and re-caps it.
func (c RetryConfig) applyJitter(d time.Duration, rnd func() float64) time.Duration {
	if c.Jitter <= 0 || d <= 0 || rnd == nil {
		return d
	}
	factor := 1 - c.Jitter + 2*c.Jitter*rnd()
	out := time.Duration(float64(d) * factor)
	if out > c.MaxBackoff {
		out = c.MaxBackoff
	}
	return out
}

// delayFor picks the wait before attempt. A server Retry-After hint wins
// when it asks for longer than the computed backoff. The wait never drops
// below prev, the wait before the previous attempt, and never exceeds
// MaxBackoff.
func (c RetryConfig) delayFor(attempt int, hint, prev time.Duration, rnd func() float64) time.Duration {
	d := c.applyJitter(c.Backoff(attempt), rnd)
	d = max(d, hint, prev)
	return min(d, c.MaxBackoff)
}

// Outcome classifies a single attempt.
type Outcome int

const (
	// OutcomeSuccess ends the retry loop with a payload.
	OutcomeSuccess Outcome = iota

	// OutcomeTransient is eligible for retry.
	OutcomeTransient

	// OutcomePermanent ends the retry loop without retrying.
	OutcomePermanent
)

// String returns the log representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Attempt records one network call.
type Attempt struct {
	Number     int
	Outcome    Outcome
	StatusCode int
	Class      ErrorClass
	Err        error
	Latency    time.Duration

	// Backoff is the delay waited before this attempt (0 for the first one).
	Backoff time.Duration

	// RetryAfter is the server's Retry-After hint, if any.
	RetryAfter time.Duration
}

// RetryState is the mutable per-request retry bookkeeping. It is owned by a
// single retryWithBackoff call.
type RetryState struct {
	Attempt     int
	NextBackoff time.Duration
	LastErr     error
	History     []Attempt
}

// attemptFunc performs one attempt and classifies it.
type attemptFunc func(ctx context.Context, attempt int) Attempt

// retryWithBackoff runs fn until it succeeds, fails permanently, the attempts
// run out or ctx is cancelled. The returned error wraps ErrPermanent,
// ErrRetryExhausted or ErrContextCancelled accordingly.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, rnd func() float64, logger zerolog.Logger, fn attemptFunc) (*RetryState, error) {
	state := &RetryState{}

	var hint time.Duration
	var lastClass ErrorClass

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		var waited time.Duration
		if attempt > 1 {
			waited = cfg.delayFor(attempt, hint, state.NextBackoff, rnd)
			state.NextBackoff = waited

			apiRetriesTotal.WithLabelValues(string(lastClass)).Inc()
			apiRetryBackoffSeconds.WithLabelValues(string(lastClass)).Observe(waited.Seconds())

			logger.Debug().
				Str("error_class", string(lastClass)).
				Int("attempt", attempt).
				Dur("backoff", waited).
				Msg("Retrying request after backoff")

			if err := sleepContext(ctx, waited); err != nil {
				logger.Warn().
					Int("attempt", attempt).
					Msg("Context cancelled during retry backoff")
				return state, fmt.Errorf("%w: %v", ErrContextCancelled, err)
			}
		}

		if err := ctx.Err(); err != nil {
			return state, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}

		state.Attempt = attempt
		a := fn(ctx, attempt)
		a.Number = attempt
		a.Backoff = waited
		state.History = append(state.History, a)

		switch a.Outcome {
		case OutcomeSuccess:
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return state, nil
		case OutcomePermanent:
			state.LastErr = a.Err
			return state, fmt.Errorf("%w: %w", ErrPermanent, a.Err)
		}

		state.LastErr = a.Err
		lastClass = a.Class
		hint = a.RetryAfter

		// The attempt may have failed only because the batch was cancelled.
		if err := ctx.Err(); err != nil {
			return state, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	apiRetryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	logger.Warn().
		Str("error_class", string(lastClass)).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	return state, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, cfg.MaxAttempts, state.LastErr)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
