package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSuccessOnFirstAttempt(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), func(_ context.Context) error {
		callCount++
		return nil
	})
	if err != nil {
		t.Errorf("Do() error = %v, want nil", err)
	}
	if callCount != 1 {
		t.Errorf("callCount = %d, want 1", callCount)
	}
}

func TestDoSuccessAfterRetries(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), func(_ context.Context) error {
		callCount++
		if callCount < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}, WithMaxAttempts(5), WithInitialDelay(1*time.Millisecond))
	if err != nil {
		t.Errorf("Do() error = %v, want nil", err)
	}
	if callCount != 3 {
		t.Errorf("callCount = %d, want 3", callCount)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	callCount := 0
	wantErr := errors.New("permanent failure")
	err := Do(context.Background(), func(_ context.Context) error {
		callCount++
		return wantErr
	}, WithMaxAttempts(3), WithInitialDelay(1*time.Millisecond))

	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("Do() error = %v, want wrapping ErrMaxRetriesExceeded", err)
	}
	if callCount != 3 {
		t.Errorf("callCount = %d, want 3", callCount)
	}
}

func TestDoRetryConditionDeclines(t *testing.T) {
	callCount := 0
	wantErr := errors.New("non-retryable")
	err := Do(context.Background(), func(_ context.Context) error {
		callCount++
		return wantErr
	}, WithMaxAttempts(5), WithRetryCondition(func(error) bool { return false }))

	if !errors.Is(err, wantErr) {
		t.Errorf("Do() error = %v, want wantErr", err)
	}
	if callCount != 1 {
		t.Errorf("callCount = %d, want 1 (no retries after decline)", callCount)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, func(ctx context.Context) error {
		return errors.New("fail")
	}, WithMaxAttempts(5), WithInitialDelay(10*time.Millisecond))

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}
