package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	var calls int
	cfg := FixedRetryConfig(3, 5*time.Second)
	cfg.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	var calls int
	wantErr := errors.New("down")
	cfg := FixedRetryConfig(3, 5*time.Second)
	cfg.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want wrapped last error", err)
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}

func TestRetryFixedDelayBetweenAttempts(t *testing.T) {
	var delays []time.Duration
	cfg := FixedRetryConfig(3, 5*time.Second)
	cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	Retry(context.Background(), cfg, func() error { return errors.New("down") })

	// Two sleeps between three attempts, none after the last.
	if len(delays) != 2 {
		t.Fatalf("got %d sleeps, want 2: %v", len(delays), delays)
	}
	for i, d := range delays {
		if d != 5*time.Second {
			t.Errorf("sleep %d: got %v, want 5s", i, d)
		}
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	cfg := FixedRetryConfig(5, time.Second)
	cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := Retry(ctx, cfg, func() error {
		calls++
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("got %d calls after cancellation, want 1", calls)
	}
}

func TestPoolRunsAllTasks(t *testing.T) {
	pool := NewPool(context.Background(), Config{Workers: 4})

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		pool.Submit(i, func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}

	results := pool.Wait()
	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	for _, r := range results {
		if r.Error != nil {
			t.Errorf("task %d failed: %v", r.Index, r.Error)
		}
	}
	if ran.Load() != 10 {
		t.Errorf("ran %d tasks, want 10", ran.Load())
	}
}

func TestPoolReportsTaskErrors(t *testing.T) {
	pool := NewPool(context.Background(), Config{Workers: 2})

	wantErr := errors.New("boom")
	pool.Submit(0, func(ctx context.Context) error { return nil })
	pool.Submit(1, func(ctx context.Context) error { return wantErr })

	var failed int
	for _, r := range pool.Wait() {
		if r.Error != nil {
			failed++
			if r.Index != 1 {
				t.Errorf("failure reported for task %d, want 1", r.Index)
			}
		}
	}
	if failed != 1 {
		t.Errorf("got %d failures, want 1", failed)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const workers = 2
	pool := NewPool(context.Background(), Config{Workers: workers})

	var active, peak atomic.Int32
	for i := 0; i < 8; i++ {
		pool.Submit(i, func(ctx context.Context) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil
		})
	}
	pool.Wait()

	if peak.Load() > workers {
		t.Errorf("observed %d concurrent tasks, want at most %d", peak.Load(), workers)
	}
}
