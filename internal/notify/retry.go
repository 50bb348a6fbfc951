package notify

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig is the per-channel retry policy. The delay before retry n
// (0-based) is InitialDelay * BackoffMultiplier^n capped at MaxDelay.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            bool          `yaml:"jitter"`
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	return c
}

func (c RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.BackoffMultiplier
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	if c.Jitter {
		b.RandomizationFactor = 0.1
	}
	b.Reset()
	return b
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retry calls fn until it succeeds, returns a non-retryable error, or
// MaxAttempts calls were made. A rate limit error replaces the computed delay
// with its RetryAfter. It returns the number of calls made.
func retry(ctx context.Context, cfg RetryConfig, sleep sleepFunc, fn func(attempt int) error) (int, error) {
	cfg = cfg.withDefaults()
	b := cfg.backOff()

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return attempt, nil
		}
		if !IsRetryable(err) || attempt == cfg.MaxAttempts {
			return attempt, err
		}

		delay := b.NextBackOff()
		var e *Error
		if errors.As(err, &e) && e.Kind == KindRateLimitExceeded && e.RetryAfter > 0 {
			delay = e.RetryAfter
		}
		if serr := sleep(ctx, delay); serr != nil {
			return attempt, err
		}
	}
	return cfg.MaxAttempts, err
}
