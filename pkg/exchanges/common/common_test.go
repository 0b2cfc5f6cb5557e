package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

func TestNonceStrictlyIncreasing(t *testing.T) {
	// A frozen clock still yields distinct, increasing nonces.
	frozen := int64(1_700_000_000_000)
	n := NewNonceSource(func() int64 { return frozen })

	prev := n.Next()
	for i := 0; i < 100; i++ {
		v := n.Next()
		if v <= prev {
			t.Fatalf("nonce went backwards: %d after %d", v, prev)
		}
		prev = v
	}
}

func TestNonceConcurrent(t *testing.T) {
	n := NewNonceSource(nil)

	const workers, perWorker = 8, 200
	seen := make(map[int64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				v := n.Next()
				mu.Lock()
				if seen[v] {
					t.Errorf("duplicate nonce %d", v)
				}
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestNonceClockStepBack(t *testing.T) {
	clock := int64(1000)
	n := NewNonceSource(func() int64 { return clock })

	first := n.Next()
	clock = 500 // wall clock steps backwards
	second := n.Next()
	if second <= first {
		t.Fatalf("expected nonce to advance past %d, got %d", first, second)
	}
}

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "connection reset" }
func (fakeNetErr) Timeout() bool   { return true }
func (fakeNetErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"network sentinel", ErrNetwork, true},
		{"wrapped network", fmt.Errorf("call venue: %w", ErrNetwork), true},
		{"rate limited", ErrRateLimited, true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, true},
		{"net.Error", fakeNetErr{}, true},
		{"bad symbol", ErrInvalidSymbol, false},
		{"no balance", ErrInsufficientBalance, false},
		{"auth", ErrAuthFailure, false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}

	var _ net.Error = fakeNetErr{}
}

func TestTimeSyncAdjustsClock(t *testing.T) {
	const skew = int64(90_000)
	fetches := 0
	ts := NewTimeSync(func(ctx context.Context) (int64, error) {
		fetches++
		return time.Now().UnixMilli() + skew, nil
	})

	if err := ts.SyncIfStale(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if off := ts.Offset(); off < skew-5000 || off > skew+5000 {
		t.Fatalf("offset %dms, want about %dms", off, skew)
	}
	if got, local := ts.Now(), time.Now().UnixMilli(); got < local+skew-5000 {
		t.Fatalf("Now() = %d, want at least %d", got, local+skew-5000)
	}

	// A fresh sync is not repeated.
	if err := ts.SyncIfStale(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if fetches != 1 {
		t.Fatalf("expected 1 server time fetch, got %d", fetches)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{StatusFilled, StatusFailed, StatusCancelled}
	open := []OrderStatus{StatusPending, StatusPartiallyFilled}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestRateLimiterUsage(t *testing.T) {
	rl := NewRateLimiter(100, time.Minute)

	used, limit, pct := rl.Usage()
	if used != 0 || limit != 100 || pct != 0 {
		t.Fatalf("fresh limiter: %d/%d %.1f%%", used, limit, pct)
	}

	rl.ObserveHeader("50")
	if rl.ShouldDelay() {
		t.Fatal("50% usage should not delay")
	}

	rl.ObserveHeader("95")
	if !rl.ShouldDelay() {
		t.Fatal("95% usage should delay")
	}

	// Garbage headers are ignored.
	rl.ObserveHeader("")
	rl.ObserveHeader("not-a-number")
	used, _, _ = rl.Usage()
	if used != 95 {
		t.Fatalf("expected 95 used, got %d", used)
	}
}
