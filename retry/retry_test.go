package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func alwaysRetry(error) bool { return true }

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestWithRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), fastConfig(), alwaysRetry, func() (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || calls != 1 {
		t.Errorf("result=%q calls=%d", result, calls)
	}
}

func TestWithRetryRecoversFromTransientFailure(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), fastConfig(), alwaysRetry, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errTransient
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 || calls != 3 {
		t.Errorf("result=%d calls=%d", result, calls)
	}
}

func TestWithRetryStopsOnNonRetryableError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	_, err := WithRetry(context.Background(), fastConfig(), func(err error) bool {
		return !errors.Is(err, permanent)
	}, func() (int, error) {
		calls++
		return 0, permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), fastConfig(), alwaysRetry, func() (int, error) {
		calls++
		return 0, errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !strings.Contains(err.Error(), "max retries exceeded") {
		t.Errorf("error should mention exhaustion: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := WithRetry(ctx, fastConfig(), alwaysRetry, func() (int, error) {
		calls++
		return 0, errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if calls != 0 {
		t.Errorf("function should not run after cancellation, got %d calls", calls)
	}
}

func TestWithSimpleRetry(t *testing.T) {
	result, err := WithSimpleRetry(context.Background(), func() (string, error) {
		return "ok", nil
	}, alwaysRetry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("unexpected result: %q", result)
	}
}
