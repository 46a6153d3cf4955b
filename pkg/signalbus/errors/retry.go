package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig is the retry policy for transport sends.
type RetryConfig struct {
	// MaxAttempts counts the first try. Values below 1 mean a single try.
	MaxAttempts int

	// InitialBackoff is the pause after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the pause. Zero means no cap.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the pause after every failure. Values below 1
	// keep the pause constant.
	BackoffFactor float64

	// Jitter spreads each pause by up to this fraction either way (0.0-1.0).
	Jitter float64

	// Retryable overrides IsRetryable.
	Retryable func(error) bool

	// OnRetry, if set, is called before each pause.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetry is the policy for reliable sends.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry makes a single attempt. Unreliable sends use it.
var NoRetry = RetryConfig{
	MaxAttempts: 1,
}

// Retry calls fn until it succeeds, fails permanently, or runs out of
// attempts, and returns fn's last error unchanged. If ctx ends before the
// first attempt, ctx.Err() is returned; if it ends during a pause, the last
// error from fn is.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	wait := cfg.InitialBackoff

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || attempt >= cfg.MaxAttempts || !retryable(err) {
			return err
		}

		pause := withJitter(wait, cfg.Jitter)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, pause)
		}
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		wait = cfg.grow(wait)
	}
}

// grow returns the pause that follows wait.
func (cfg RetryConfig) grow(wait time.Duration) time.Duration {
	if cfg.BackoffFactor > 1 {
		wait = time.Duration(float64(wait) * cfg.BackoffFactor)
	}
	if cfg.MaxBackoff > 0 && wait > cfg.MaxBackoff {
		wait = cfg.MaxBackoff
	}
	return wait
}

// withJitter moves base by a random amount within +/- base*jitter.
func withJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	delta := float64(base) * jitter * (rand.Float64()*2 - 1)
	return base + time.Duration(delta)
}
