package sandbox

import (
	"context"
	"errors"
	"testing"
)

func TestWithLifecycleRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := withLifecycleRetry(context.Background(), 3, nil, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithLifecycleRetryGivesUpAtMaxAttempts(t *testing.T) {
	attempts := 0
	failures := 0
	err := withLifecycleRetry(context.Background(), 2, func(attempt int, cerr error) {
		failures++
	}, func(ctx context.Context) error {
		attempts++
		return errors.New("permanent")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
	if failures != 2 {
		t.Fatalf("expected onFailed called for every attempt, got %d", failures)
	}
}
