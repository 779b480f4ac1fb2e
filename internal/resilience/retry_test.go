package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxbridge/bridge/internal/resilience"
)

func TestRetry_SucceedsOnFirstAttempt(t *testing.T) {
	t.Parallel()
	calls := 0
	err := resilience.Retry(context.Background(), resilience.RetryConfig{MaxAttempts: 3}, func(attempt int) (bool, error) {
		calls++
		return true, nil
	})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_RetriesUpToMaxAttempts(t *testing.T) {
	t.Parallel()
	calls := 0
	wantErr := errors.New("boom")
	err := resilience.Retry(context.Background(), resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, func(attempt int) (bool, error) {
		calls++
		return true, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()
	calls := 0
	err := resilience.Retry(context.Background(), resilience.RetryConfig{MaxAttempts: 5}, func(attempt int) (bool, error) {
		calls++
		return false, errors.New("fatal")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (non-retryable must not retry)", calls)
	}
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := resilience.Retry(ctx, resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Hour}, func(attempt int) (bool, error) {
		calls++
		return true, errors.New("retry me")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 before blocking on cancelled context's sleep", calls)
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	err := resilience.Retry(context.Background(), resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, func(attempt int) (bool, error) {
		calls++
		if calls < 3 {
			return true, errors.New("transient")
		}
		return true, nil
	})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
