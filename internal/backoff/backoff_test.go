package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayCapsAtMax(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 5 * time.Second, Factor: 2}
	if got := p.Delay(10); got != 5*time.Second {
		t.Fatalf("Delay(10) = %s, want the cap", got)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.5}
	base := 100 * time.Millisecond
	for random := 0.0; random <= 1.0; random += 0.25 {
		d := p.delayWithRand(1, random)
		if d < base || d > base+base/2 {
			t.Fatalf("jittered delay %s outside [%s, %s]", d, base, base+base/2)
		}
	}
}

func TestSleepRespectsCancellation(t *testing.T) {
	p := Policy{Initial: 10 * time.Second, Max: time.Minute, Factor: 2}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	err := p.Sleep(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep = %v", err)
	}
	if time.Since(started) > time.Second {
		t.Fatal("Sleep ignored cancellation")
	}
}

func TestSleepZeroDelayReturnsImmediately(t *testing.T) {
	p := Policy{}
	if err := p.Sleep(context.Background(), 1); err != nil {
		t.Fatalf("Sleep = %v", err)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	calls := 0
	value, err := Retry(context.Background(), p, 5, func(attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil || value != "ok" {
		t.Fatalf("Retry = %q %v", value, err)
	}
	if calls != 3 {
		t.Fatalf("made %d calls, want 3", calls)
	}
}

func TestRetryExhaustionWrapsLastError(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	last := errors.New("still broken")
	_, err := Retry(context.Background(), p, 3, func(int) (int, error) {
		return 0, last
	})
	if !errors.Is(err, ErrMaxAttemptsExhausted) || !errors.Is(err, last) {
		t.Fatalf("err = %v", err)
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Retry(ctx, DefaultPolicy(), 3, func(int) (int, error) {
		calls++
		return 0, errors.New("x")
	})
	if !errors.Is(err, context.Canceled) || calls != 0 {
		t.Fatalf("err = %v after %d calls", err, calls)
	}
}
