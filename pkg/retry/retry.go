// Package retry provides the two waiting primitives the controller uses:
// exponential-backoff retry for remote calls and fixed-interval polling
// with a hard timeout. Every component that retries or polls goes through
// this package so the timing behavior is defined and tested once.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/drydockproject/drydock/pkg/clock"
)

// Config configures backoff retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// 0 means retry until the context is cancelled.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier grows the delay after each retry.
	Multiplier float64

	// Jitter randomizes delays. 0.1 means +/- 10% of the delay.
	Jitter float64

	// RetryableFunc decides whether an error is worth retrying.
	// If nil, every non-nil error is retried.
	RetryableFunc func(error) bool

	// Clock supplies time. If nil, real time is used.
	Clock clock.Clock
}

// DefaultConfig returns the retry configuration used for remote calls
// unless the caller has a reason to differ.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Do runs fn until it succeeds, exhausts MaxAttempts, hits a non-retryable
// error, or the context is cancelled. The last error is returned.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return errors.Join(err, lastErr)
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if cfg.RetryableFunc != nil && !cfg.RetryableFunc(lastErr) {
			return lastErr
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), lastErr)
		case <-clk.After(jittered(delay, cfg.Jitter)):
		}

		delay = time.Duration(math.Min(float64(delay)*cfg.Multiplier, float64(cfg.MaxDelay)))
	}

	return lastErr
}

// DoWithValue is Do for functions that produce a value.
func DoWithValue[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

func jittered(delay time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return delay
	}
	span := float64(delay) * jitter
	return delay + time.Duration(rand.Float64()*2*span-span)
}

// ErrTimeout is returned by Poll when the deadline passes before the
// condition holds.
var ErrTimeout = errors.New("timed out waiting for condition")

// PollConfig configures Poll.
type PollConfig struct {
	// Interval is the pause between condition checks.
	Interval time.Duration

	// Timeout bounds the whole poll.
	Timeout time.Duration

	// Clock supplies time. If nil, real time is used.
	Clock clock.Clock
}

// Poll runs check every Interval until it reports done, a check fails, the
// timeout expires, or the context is cancelled. Cancellation is honored
// between checks, never mid-check. The condition is always checked at
// least once, and Poll returns no later than Timeout plus one Interval
// after it starts.
func Poll(ctx context.Context, cfg PollConfig, check func(ctx context.Context) (bool, error)) error {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	deadline := clk.Now().Add(cfg.Timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if !clk.Now().Before(deadline) {
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(cfg.Interval):
		}
	}
}
