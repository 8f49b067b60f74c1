package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(limit int) (*Limiter, *stepClock) {
	clk := &stepClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	return NewLimiter(NewMemoryStore(), limit, 24*time.Hour).WithClock(clk.Now), clk
}

func TestLimiter_UnknownWindowIsEmpty(t *testing.T) {
	l, _ := newTestLimiter(10)
	d, err := l.CheckAndReserve(context.Background(), "acct", "+1555")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !d.Allowed || d.Remaining != 10 || d.CallCount != 0 || d.UsagePercent != 0 {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.ResetIn != 24*time.Hour {
		t.Fatalf("expected full window, got %v", d.ResetIn)
	}
}

func TestLimiter_DeniesAtLimit(t *testing.T) {
	ctx := context.Background()
	l, clk := newTestLimiter(2)

	for i := 0; i < 2; i++ {
		if _, err := l.Record(ctx, "acct", "+1555"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	clk.Advance(time.Hour)

	d, err := l.CheckAndReserve(ctx, "acct", "+1555")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.Allowed || d.Remaining != 0 || d.UsagePercent != 100 {
		t.Fatalf("expected denial, got %+v", d)
	}
	if d.ResetIn != 23*time.Hour {
		t.Fatalf("expected 23h until reset, got %v", d.ResetIn)
	}

	err = Exceeded(d)
	var ee *ExceededError
	if !errors.As(err, &ee) || !errors.Is(err, ErrRateLimitExceeded) || ee.ResetIn != 23*time.Hour {
		t.Fatalf("expected ExceededError, got %v", err)
	}

	// Other contacts are unaffected.
	d, _ = l.CheckAndReserve(ctx, "acct", "+1666")
	if !d.Allowed {
		t.Fatalf("expected independent window per contact")
	}
}

func TestLimiter_ZeroLimitAlwaysDenies(t *testing.T) {
	l, _ := newTestLimiter(0)
	d, err := l.CheckAndReserve(context.Background(), "acct", "+1555")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.Allowed || d.UsagePercent != 100 {
		t.Fatalf("zero limit must deny, got %+v", d)
	}
}

func TestLimiter_UsageClampedAtHundred(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(1)
	for i := 0; i < 3; i++ {
		_, _ = l.Record(ctx, "acct", "+1")
	}
	d, _ := l.CheckAndReserve(ctx, "acct", "+1")
	if d.CallCount != 3 || d.UsagePercent != 100 || d.Remaining != 0 {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestLimiter_CheckIsReadOnly(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(5)
	for i := 0; i < 10; i++ {
		_, _ = l.CheckAndReserve(ctx, "acct", "+1")
	}
	if _, ok, _ := l.store.Get(ctx, Key{AccountID: "acct", ContactNumber: "+1"}); ok {
		t.Fatalf("check must not create a window")
	}
}

func TestLimiter_ExpiredWindowReadsAsEmpty(t *testing.T) {
	ctx := context.Background()
	l, clk := newTestLimiter(1)
	_, _ = l.Record(ctx, "acct", "+1")
	clk.Advance(24 * time.Hour)

	d, _ := l.CheckAndReserve(ctx, "acct", "+1")
	if !d.Allowed || d.CallCount != 0 || d.ResetIn != 24*time.Hour {
		t.Fatalf("expected expired window to read as fresh, got %+v", d)
	}
}

func TestLimiter_RejectsBlankKeys(t *testing.T) {
	l, _ := newTestLimiter(1)
	if _, err := l.CheckAndReserve(context.Background(), " ", "+1"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := l.Record(context.Background(), "acct", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestLimiter_ConcurrentRecordsAreNotLost(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(1000)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Record(ctx, "acct", "+1")
		}()
	}
	wg.Wait()

	d, _ := l.CheckAndReserve(ctx, "acct", "+1")
	if d.CallCount != 200 {
		t.Fatalf("expected 200 recorded calls, got %d", d.CallCount)
	}
}

func TestLimiter_RecordResetsExpiredWindow(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		l, clk := newTestLimiter(1000)
		n := rapid.IntRange(1, 50).Draw(t, "n")

		t0 := clk.Now()
		for i := 0; i < n; i++ {
			if _, err := l.Record(ctx, "acct", "+1"); err != nil {
				t.Fatalf("record: %v", err)
			}
		}

		gap := time.Duration(rapid.IntRange(24*60, 24*60*7).Draw(t, "gapMinutes")) * time.Minute
		clk.Advance(gap)

		w, err := l.Record(ctx, "acct", "+1")
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if w.CallCount != 1 {
			t.Fatalf("expected reset to 1 after %v, got %d", gap, w.CallCount)
		}
		if !w.WindowStart.Equal(t0.Add(gap)) {
			t.Fatalf("expected window to restart at the new time, got %v", w.WindowStart)
		}
	})
}

func TestLimiter_RecordWithinWindowIncrements(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		l, clk := newTestLimiter(1000)
		n := rapid.IntRange(1, 30).Draw(t, "n")

		first := clk.Now()
		var last Window
		for i := 0; i < n; i++ {
			if i > 0 {
				// 30 steps of at most 45 minutes stay inside 24h.
				clk.Advance(time.Duration(rapid.IntRange(0, 45).Draw(t, "stepMinutes")) * time.Minute)
			}
			w, err := l.Record(ctx, "acct", "+1")
			if err != nil {
				t.Fatalf("record: %v", err)
			}
			last = w
		}
		if last.CallCount != n {
			t.Fatalf("expected %d calls in window, got %d", n, last.CallCount)
		}
		if !last.WindowStart.Equal(first) {
			t.Fatalf("window start moved inside the window: %v", last.WindowStart)
		}
	})
}
