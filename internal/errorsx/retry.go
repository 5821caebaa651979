// Package errorsx wires the classifier (internal/classify) and the backoff
// calculator (internal/backoff) into the retry loop spec §7 describes:
// transient errors retried up to maxAttempts with exponential backoff, then
// demoted to permanent.
package errorsx

import (
	"context"
	"fmt"
	"time"

	"orchestrator/internal/backoff"
	"orchestrator/internal/classify"
	"orchestrator/internal/logging"
)

// RetryConfig configures Retry. Defaults mirror spec §6.4's maxAttempts /
// baseBackoffSeconds / maxBackoffSeconds keys.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // 0 disables jitter
}

// DefaultRetryConfig returns the spec §6.4 defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   backoff.DefaultBase,
		MaxDelay:    backoff.DefaultCap,
	}
}

// RetryableFunc is a unit of work Retry may call more than once.
type RetryableFunc func(ctx context.Context) error

// Retry runs fn, retrying on classify.IsTransient errors with exponential
// backoff, up to config.MaxAttempts additional attempts. A permanent error
// or the final exhausted attempt is returned to the caller unwrapped by
// further retries.
func Retry(ctx context.Context, config RetryConfig, logger logging.Logger, fn RetryableFunc) error {
	logger = logging.OrNop(logger)

	var lastErr error
	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded", "attempt", attempt+1)
			}
			return nil
		}

		lastErr = err
		if classify.IsPermanent(err) {
			logger.Debug("error is permanent, stopping retries", "error", err)
			return err
		}

		if attempt == config.MaxAttempts {
			logger.Warn("max retries exhausted", "attempts", config.MaxAttempts+1)
			break
		}

		delay := backoffFor(attempt, config)
		logger.Debug("retrying after backoff", "attempt", attempt+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// RetryWithResult is Retry for a function that also produces a value.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	logger = logging.OrNop(logger)

	var lastErr error
	var zero T
	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded", "attempt", attempt+1)
			}
			return result, nil
		}

		lastErr = err
		if classify.IsPermanent(err) {
			return zero, err
		}

		if attempt == config.MaxAttempts {
			logger.Warn("max retries exhausted", "attempts", config.MaxAttempts+1)
			break
		}

		delay := backoffFor(attempt, config)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func backoffFor(attempt int, config RetryConfig) time.Duration {
	var opts []backoff.Option
	if config.Jitter > 0 {
		opts = append(opts, backoff.WithJitter(config.Jitter))
	}
	return backoff.Backoff(attempt, config.BaseDelay, config.MaxDelay, opts...)
}

// ShouldRetry reports whether a caller managing its own loop should attempt
// another call.
func ShouldRetry(err error, attemptNumber, maxAttempts int) bool {
	if err == nil {
		return false
	}
	if attemptNumber >= maxAttempts {
		return false
	}
	return classify.IsTransient(err)
}
