package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelay_Exponential(t *testing.T) {
	policy := Policy{
		Backoff:      BackoffExponential,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped at max
		{6, 10 * time.Second},
	}

	for _, tt := range tests {
		got := policy.Delay(tt.attempt)
		if got != tt.expected {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.expected, got)
		}
	}
}

func TestDelay_Fixed(t *testing.T) {
	policy := Policy{
		Backoff:      BackoffFixed,
		InitialDelay: 2 * time.Second,
		MaxDelay:     10 * time.Second,
	}

	for attempt := 1; attempt <= 5; attempt++ {
		if got := policy.Delay(attempt); got != 2*time.Second {
			t.Errorf("attempt %d: expected 2s, got %v", attempt, got)
		}
	}
}

func TestDelay_ZeroValues(t *testing.T) {
	policy := Policy{Backoff: BackoffExponential}

	if got := policy.Delay(1); got != time.Second {
		t.Errorf("expected 1s default, got %v", got)
	}
}

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:  attempts,
		Backoff:      BackoffFixed,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}
}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_Exhausted(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), fastPolicy(2), func(context.Context) error {
		calls++
		return boom
	})

	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	notFound := errors.New("not found")
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return Permanent(notFound)
	})

	if err != notFound {
		t.Errorf("expected unwrapped error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour}

	calls := 0
	err := Do(ctx, policy, func(context.Context) error {
		calls++
		cancel()
		return errors.New("unavailable")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPermanent_Nil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if IsPermanent(errors.New("x")) {
		t.Error("plain error should not be permanent")
	}
}
