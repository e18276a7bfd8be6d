package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastLinear(maxAttempts int) Config {
	return LinearConfig(maxAttempts, time.Millisecond)
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastLinear(3), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastLinear(3), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestDoStopsOnTerminalError(t *testing.T) {
	terminal := errors.New("terminal")
	calls := 0
	err := Do(context.Background(), fastLinear(3), func() error {
		calls++
		return terminal
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("error = %v, want terminal error", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	transient := Retryable(errors.New("still down"))
	calls := 0
	err := Do(context.Background(), fastLinear(3), func() error {
		calls++
		return transient
	})
	if err == nil {
		t.Fatal("Do succeeded, want exhaustion error")
	}
	if !IsRetryable(err) {
		t.Error("exhaustion error lost its retryable marker")
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestDoWithResultReturnsValue(t *testing.T) {
	got, err := DoWithResult(context.Background(), fastLinear(3), func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("DoWithResult error: %v", err)
	}
	if got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, LinearConfig(5, time.Minute), func() error {
		calls++
		cancel()
		return Retryable(errors.New("transient"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times after cancellation, want 1", calls)
	}
}

func TestLinearWaitGrowsPerAttempt(t *testing.T) {
	cfg := LinearConfig(4, 100*time.Millisecond)
	if got := cfg.wait(1); got != 100*time.Millisecond {
		t.Errorf("wait(1) = %v, want 100ms", got)
	}
	if got := cfg.wait(3); got != 300*time.Millisecond {
		t.Errorf("wait(3) = %v, want 300ms", got)
	}
	if got := cfg.wait(10); got != cfg.MaxWait {
		t.Errorf("wait(10) = %v, want clamp to %v", got, cfg.MaxWait)
	}
}

func TestExponentialWaitDoubles(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialWait: 100 * time.Millisecond, MaxWait: time.Second, Multiplier: 2.0}
	if got := cfg.wait(1); got != 100*time.Millisecond {
		t.Errorf("wait(1) = %v, want 100ms", got)
	}
	if got := cfg.wait(3); got != 400*time.Millisecond {
		t.Errorf("wait(3) = %v, want 400ms", got)
	}
	if got := cfg.wait(10); got != time.Second {
		t.Errorf("wait(10) = %v, want clamp to 1s", got)
	}
}
