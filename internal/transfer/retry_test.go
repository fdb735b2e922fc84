package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryGivesUp(t *testing.T) {
	boom := errors.New("still broken")
	calls := 0
	err := Retry(context.Background(), 2, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	// attempts bounds retries, so 1 initial + 2 retries.
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	fatal := errors.New("rejected")
	calls := 0
	err := Retry(context.Background(), 5, func() error {
		calls++
		return backoff.Permanent(fatal)
	})
	if !errors.Is(err, fatal) {
		t.Errorf("err = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 10, func() error {
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}

	// Cancellation must not stall for the full backoff schedule.
	start := time.Now()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_ = Retry(ctx2, 10, func() error { return errors.New("transient") })
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("retry ran %s after context expiry", elapsed)
	}
}
