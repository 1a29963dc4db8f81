package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrContextCanceled is the LastError of a retry run whose context ended
// before any attempt was made
var ErrContextCanceled = errors.New("context canceled during retry")

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction of the delay added or removed at random, 0-1

	// RetryableErrors limits retries to errors matching one of these with
	// errors.Is. ShouldRetry takes precedence when set. With neither, every
	// error is retried.
	RetryableErrors []error
	ShouldRetry     func(error) bool
}

// DefaultRetryConfig returns the dispatcher's default policy
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retryer runs a function until it succeeds, fails with a non-retryable
// error, runs out of attempts or its context ends. Delays grow
// exponentially from InitialDelay up to MaxDelay.
type Retryer struct {
	config RetryConfig
}

// NewRetryer creates a retryer, filling unset fields from the defaults
func NewRetryer(config RetryConfig) *Retryer {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = defaults.Multiplier
	}
	return &Retryer{config: config}
}

// RetryResult describes a finished retry run
type RetryResult struct {
	Attempts   int
	LastError  error
	TotalDelay time.Duration
	Success    bool
}

// Execute runs fn with retries
func (r *Retryer) Execute(ctx context.Context, fn func(context.Context) error) RetryResult {
	return r.ExecuteWithCallback(ctx, fn, nil)
}

// ExecuteWithCallback runs fn with retries and calls onRetry before each
// backoff. If ctx ends while waiting, the error of the last attempt is kept.
func (r *Retryer) ExecuteWithCallback(
	ctx context.Context,
	fn func(context.Context) error,
	onRetry func(attempt int, err error, delay time.Duration),
) RetryResult {
	var result RetryResult

	for result.Attempts < r.config.MaxAttempts {
		if err := ctx.Err(); err != nil {
			if result.LastError == nil {
				result.LastError = fmt.Errorf("%w: %v", ErrContextCanceled, err)
			}
			return result
		}

		result.Attempts++
		result.LastError = fn(ctx)
		if result.LastError == nil {
			result.Success = true
			return result
		}
		if result.Attempts == r.config.MaxAttempts || !r.retryable(result.LastError) {
			return result
		}

		delay := r.calculateDelay(result.Attempts)
		if onRetry != nil {
			onRetry(result.Attempts, result.LastError, delay)
		}
		if !sleep(ctx, delay) {
			return result
		}
		result.TotalDelay += delay
	}
	return result
}

func (r *Retryer) retryable(err error) bool {
	switch {
	case r.config.ShouldRetry != nil:
		return r.config.ShouldRetry(err)
	case len(r.config.RetryableErrors) == 0:
		return true
	}
	for _, target := range r.config.RetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// calculateDelay returns InitialDelay * Multiplier^(attempt-1), jittered and
// capped at MaxDelay
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if j := r.config.Jitter; j > 0 {
		delay *= 1 + j*(2*rand.Float64()-1)
	}
	return time.Duration(math.Min(delay, float64(r.config.MaxDelay)))
}

// sleep waits for d, returning false if ctx ends first
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
