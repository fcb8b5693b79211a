package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestPoolRunsAllTasks(t *testing.T) {
	pool := NewPool(3)
	var done int64
	tasks := make([]func(ctx context.Context) error, 10)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			atomic.AddInt64(&done, 1)
			return nil
		}
	}
	if err := pool.Run(context.Background(), tasks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done != 10 {
		t.Fatalf("expected 10 tasks to run, got %d", done)
	}
}

func TestPoolRespectsConcurrencyLimit(t *testing.T) {
	pool := NewPool(2)
	var current, max int64
	tasks := make([]func(ctx context.Context) error, 8)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			n := atomic.AddInt64(&current, 1)
			for {
				m := atomic.LoadInt64(&max)
				if n <= m || atomic.CompareAndSwapInt64(&max, m, n) {
					break
				}
			}
			atomic.AddInt64(&current, -1)
			return nil
		}
	}
	if err := pool.Run(context.Background(), tasks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if max > 2 {
		t.Fatalf("expected concurrency never to exceed 2, observed %d", max)
	}
}

func TestPoolPropagatesFirstError(t *testing.T) {
	pool := NewPool(4)
	boom := errors.New("boom")
	tasks := []func(ctx context.Context) error{
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return boom },
		func(ctx context.Context) error { return nil },
	}
	err := pool.Run(context.Background(), tasks)
	if !errors.Is(err, boom) {
		t.Fatalf("expected the task error to propagate, got %v", err)
	}
}

func TestNewPoolClampsNonPositive(t *testing.T) {
	if p := NewPool(0); p.maxWorkers != 1 {
		t.Fatalf("expected NewPool(0) to clamp to 1 worker, got %d", p.maxWorkers)
	}
	if p := NewPool(-5); p.maxWorkers != 1 {
		t.Fatalf("expected NewPool(-5) to clamp to 1 worker, got %d", p.maxWorkers)
	}
}
