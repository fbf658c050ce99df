package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drydockproject/drydock/pkg/clock"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	fc := clock.NewFakeClock(time.Now())
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Clock:        fc,
	}

	var calls atomic.Int32
	result := make(chan error, 1)
	go func() {
		result <- Do(context.Background(), cfg, func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		})
	}()

	fc.BlockUntilWaiters(1)
	fc.Advance(time.Second)
	fc.BlockUntilWaiters(1)
	fc.Advance(2 * time.Second)

	if err := <-result; err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	fc := clock.NewFakeClock(time.Now())
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		Clock:        fc,
	}

	wantErr := errors.New("still broken")
	var calls atomic.Int32
	result := make(chan error, 1)
	go func() {
		result <- Do(context.Background(), cfg, func(ctx context.Context) error {
			calls.Add(1)
			return wantErr
		})
	}()

	fc.BlockUntilWaiters(1)
	fc.Advance(time.Second)
	fc.BlockUntilWaiters(1)
	fc.Advance(2 * time.Second)

	err := <-result
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do returned %v, want %v", err, wantErr)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	cfg := Config{
		MaxAttempts:   5,
		RetryableFunc: func(err error) bool { return !errors.Is(err, permanent) },
	}

	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("Do returned %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent error)", calls)
	}
}

func TestDoContextCancelledWhileWaiting(t *testing.T) {
	fc := clock.NewFakeClock(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: time.Minute,
		Clock:        fc,
	}

	attemptErr := errors.New("attempt failed")
	result := make(chan error, 1)
	go func() {
		result <- Do(ctx, cfg, func(ctx context.Context) error {
			return attemptErr
		})
	}()

	fc.BlockUntilWaiters(1)
	cancel()

	err := <-result
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error should carry context.Canceled, got %v", err)
	}
	if !errors.Is(err, attemptErr) {
		t.Errorf("error should carry the last attempt error, got %v", err)
	}
}

func TestDoWithValue(t *testing.T) {
	got, err := DoWithValue(context.Background(), DefaultConfig(), func(ctx context.Context) (string, error) {
		return "running", nil
	})
	if err != nil {
		t.Fatalf("DoWithValue returned error: %v", err)
	}
	if got != "running" {
		t.Errorf("value = %q, want running", got)
	}
}

func TestPollDoneImmediately(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), PollConfig{Interval: time.Second, Timeout: time.Minute}, func(ctx context.Context) (bool, error) {
		calls++
		return true, nil
	})
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPollTimesOut(t *testing.T) {
	fc := clock.NewFakeClock(time.Now())
	cfg := PollConfig{
		Interval: 30 * time.Second,
		Timeout:  120 * time.Second,
		Clock:    fc,
	}

	var calls atomic.Int32
	result := make(chan error, 1)
	go func() {
		result <- Poll(context.Background(), cfg, func(ctx context.Context) (bool, error) {
			calls.Add(1)
			return false, nil
		})
	}()

	for i := 0; i < 4; i++ {
		fc.BlockUntilWaiters(1)
		fc.Advance(30 * time.Second)
	}

	err := <-result
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Poll returned %v, want ErrTimeout", err)
	}
	// Checks land at t=0,30,60,90,120; the t=120 check is the last one.
	if got := calls.Load(); got != 5 {
		t.Errorf("calls = %d, want 5", got)
	}
}

func TestPollReturnsWithinTimeoutPlusInterval(t *testing.T) {
	start := time.Now()
	err := Poll(context.Background(), PollConfig{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond}, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Poll returned %v, want ErrTimeout", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("Poll returned after %v, before the timeout", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Poll took %v, should return within timeout plus one interval", elapsed)
	}
}

func TestPollCheckErrorAborts(t *testing.T) {
	wantErr := errors.New("probe exploded")
	calls := 0
	err := Poll(context.Background(), PollConfig{Interval: time.Second, Timeout: time.Minute}, func(ctx context.Context) (bool, error) {
		calls++
		return false, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Poll returned %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPollCancelledBetweenChecks(t *testing.T) {
	fc := clock.NewFakeClock(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cfg := PollConfig{Interval: time.Minute, Timeout: time.Hour, Clock: fc}

	result := make(chan error, 1)
	go func() {
		result <- Poll(ctx, cfg, func(ctx context.Context) (bool, error) {
			return false, nil
		})
	}()

	fc.BlockUntilWaiters(1)
	cancel()

	if err := <-result; !errors.Is(err, context.Canceled) {
		t.Errorf("Poll returned %v, want context.Canceled", err)
	}
}
