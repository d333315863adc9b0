package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/confidex/crank/internal/clock"
)

func TestDelayForAttemptMatchesSpecFormula(t *testing.T) {
	// S4: initialDelayMs=1000, mult=2, maxDelayMs=2000, maxAttempts=5
	// delays for k=0..3 (the 4 retry gaps between 5 attempts) = [1000,2000,2000,2000]
	want := []int{1000, 2000, 2000, 2000}
	for k, w := range want {
		got := DelayForAttempt(k, 1000, 2, 2000)
		if got != w {
			t.Errorf("DelayForAttempt(%d): got %d, want %d", k, got, w)
		}
	}
}

func TestWithRetrySucceedsFirstAttempt(t *testing.T) {
	// B1
	clk := clock.NewFake(time.Unix(0, 0))
	calls := 0
	res := WithRetry(clk, func(attempt int) (int, error) {
		calls++
		return 42, nil
	}, Options{MaxAttempts: 3})

	if !res.Success || res.Value != 42 || res.Attempts != 1 || calls != 1 {
		t.Fatalf("unexpected result: %+v calls=%d", res, calls)
	}
}

func TestWithRetryStopsOnFatalError(t *testing.T) {
	// B2
	clk := clock.NewFake(time.Unix(0, 0))
	fatal := errors.New("account not found")
	calls := 0
	res := WithRetry(clk, func(attempt int) (int, error) {
		calls++
		return 0, fatal
	}, Options{
		MaxAttempts: 5,
		IsRetryable: func(err error) bool { return err != fatal },
	})

	if res.Success || res.Attempts != 1 || calls != 1 {
		t.Fatalf("expected immediate stop on fatal error, got %+v calls=%d", res, calls)
	}
}

func TestWithRetryRespectsMaxAttempts(t *testing.T) {
	// P4: performs <= maxAttempts invocations
	clk := clock.NewFake(time.Unix(0, 0))
	calls := 0
	transient := errors.New("connection reset")
	res := WithRetry(clk, func(attempt int) (int, error) {
		calls++
		return 0, transient
	}, Options{MaxAttempts: 4, InitialDelayMs: 10, MaxDelayMs: 10})

	if calls > 4 || res.Attempts > 4 {
		t.Fatalf("expected at most 4 invocations, got calls=%d attempts=%d", calls, res.Attempts)
	}
	if res.Success {
		t.Fatal("expected failure after exhausting retries")
	}
}

func TestWithRetryZeroJitterDeterministicDelays(t *testing.T) {
	// P5
	clk := clock.NewFake(time.Unix(0, 0))
	var recordedDelays []int
	transient := errors.New("timeout")
	WithRetry(clk, func(attempt int) (int, error) {
		return 0, transient
	}, Options{
		MaxAttempts:       4,
		InitialDelayMs:    1000,
		BackoffMultiplier: 2,
		MaxDelayMs:        2000,
		JitterFactor:      0,
		OnRetry: func(err error, attempt int, delayMs int) {
			recordedDelays = append(recordedDelays, delayMs)
		},
	})

	want := []int{1000, 2000, 2000}
	if len(recordedDelays) != len(want) {
		t.Fatalf("expected %d recorded delays, got %d: %v", len(want), len(recordedDelays), recordedDelays)
	}
	for i, w := range want {
		if recordedDelays[i] != w {
			t.Errorf("delay[%d]: got %d, want %d", i, recordedDelays[i], w)
		}
	}
}

func TestWithRetryHonorsMaxTimeMs(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	transient := errors.New("timeout")
	res := WithRetry(clk, func(attempt int) (int, error) {
		return 0, transient
	}, Options{
		MaxAttempts:    10,
		InitialDelayMs: 1000,
		MaxDelayMs:     1000,
		MaxTimeMs:      1500,
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Attempts >= 10 {
		t.Fatalf("expected MaxTimeMs to cut off retries before MaxAttempts, got %d attempts", res.Attempts)
	}
}

func TestWithTimeoutRejectsOnDeadline(t *testing.T) {
	_, err := WithTimeout(context.Background(), 10, "slow-op", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Operation != "slow-op" {
		t.Errorf("expected operation label preserved, got %q", te.Operation)
	}
}

func TestWithTimeoutRejectsImmediatelyIfAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := WithTimeout(ctx, 1000, "op", func(ctx context.Context) (int, error) {
		called = true
		return 0, nil
	})
	if err == nil {
		t.Fatal("expected error for pre-cancelled context")
	}
	if called {
		t.Fatal("fn must not run when context is already cancelled")
	}
}
