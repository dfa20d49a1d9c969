package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"
)

func fastOpts() Options {
	return Options{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	}
}

func TestSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastOpts(), func() (int, error) {
		calls++
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("Do = (%d, %v)", v, err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetriesUpToMaxAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastOpts(), func() (int, error) {
		calls++
		return 0, errors.New("connection reset by peer")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("underlying calls = %d, want 3", calls)
	}
}

func TestEventualSuccess(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastOpts(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("dial: timeout")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("Do = (%q, %v)", v, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("invalid request body")
	calls := 0
	err := Run(context.Background(), fastOpts(), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want wrapped permanent error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestCustomPredicate(t *testing.T) {
	opts := fastOpts()
	opts.Retryable = func(err error) bool { return err.Error() == "flaky" }

	calls := 0
	Run(context.Background(), opts, func() error {
		calls++
		return errors.New("flaky")
	})
	if calls != 3 {
		t.Errorf("calls with custom predicate = %d, want 3", calls)
	}
}

func TestDefaultPredicate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"conn reset", syscall.ECONNRESET, true},
		{"host unreachable", syscall.EHOSTUNREACH, true},
		{"http 429", &HTTPError{StatusCode: 429}, true},
		{"http 500", &HTTPError{StatusCode: 500}, true},
		{"http 502", &HTTPError{StatusCode: 502}, true},
		{"http 503", &HTTPError{StatusCode: 503}, true},
		{"http 504", &HTTPError{StatusCode: 504}, true},
		{"http 400", &HTTPError{StatusCode: 400}, false},
		{"http 404", &HTTPError{StatusCode: 404}, false},
		{"timeout string", errors.New("operation timeout while reading"), true},
		{"connection string", errors.New("lost connection to host"), true},
		{"rate limit string", errors.New("rate limit exceeded"), true},
		{"plain", errors.New("no such row"), false},
		{"wrapped refused", fmt.Errorf("call twitch: %w", syscall.ECONNREFUSED), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultPredicate(tt.err); got != tt.want {
				t.Errorf("DefaultPredicate(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBackoffDelaysWithinJitterBounds(t *testing.T) {
	opts := Options{
		MaxAttempts: 3,
		BaseDelay:   40 * time.Millisecond,
		MaxDelay:    time.Second,
		Factor:      2.0,
		Jitter:      0.25,
	}

	start := time.Now()
	calls := 0
	Run(context.Background(), opts, func() error {
		calls++
		return errors.New("timeout")
	})
	elapsed := time.Since(start)

	// Two delays: 40ms and 80ms nominal, each jittered by at most 25%.
	min := time.Duration(float64(120*time.Millisecond) * 0.75)
	max := time.Duration(float64(120*time.Millisecond)*1.25) + 200*time.Millisecond
	if elapsed < min {
		t.Errorf("elapsed %v below jitter floor %v", elapsed, min)
	}
	if elapsed > max {
		t.Errorf("elapsed %v above jitter ceiling %v", elapsed, max)
	}
	if calls != 3 {
		t.Errorf("calls = %d", calls)
	}
}
