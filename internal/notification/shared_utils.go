package notification

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds delivery retries.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Delay:       time.Second,
		MaxDelay:    5 * time.Second,
	}
}

// SendWithRetry runs sendFunc until it succeeds, returns a backoff.Permanent
// error, the attempts run out, or ctx is done.
func SendWithRetry(ctx context.Context, config RetryConfig, sendFunc func(context.Context) error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	ebo := backoff.NewExponentialBackOff()
	if config.Delay > 0 {
		ebo.InitialInterval = config.Delay
	}
	if config.MaxDelay > 0 {
		ebo.MaxInterval = config.MaxDelay
	}
	ebo.MaxElapsedTime = 0
	ebo.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(config.MaxAttempts-1)), ctx)
	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return sendFunc(ctx)
	}, b)
}
