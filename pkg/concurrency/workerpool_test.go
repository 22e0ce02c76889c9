package concurrency

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/navigatorhq/navigator/pkg/core"
)

func newRunningPool(t *testing.T, cfg WorkerPoolConfig) WorkerPool {
	t.Helper()
	pool := NewWorkerPool(context.Background(), cfg, core.NopLogger())
	if err := pool.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return pool
}

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	pool := newRunningPool(t, WorkerPoolConfig{Workers: 4, QueueSize: 16})

	var executed int64
	for i := 0; i < 10; i++ {
		task := TaskFunc(func(ctx context.Context) error {
			atomic.AddInt64(&executed, 1)
			return nil
		})
		if err := pool.Submit(context.Background(), NewNamedTask("count", task)); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&executed) < 10 {
		select {
		case <-deadline:
			t.Fatalf("only %d of 10 tasks ran", atomic.LoadInt64(&executed))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubmitRejectsNilAndStopped(t *testing.T) {
	pool := NewWorkerPool(context.Background(), DefaultWorkerPoolConfig(), core.NopLogger())

	task := NewNamedTask("noop", TaskFunc(func(ctx context.Context) error { return nil }))
	if err := pool.Submit(context.Background(), task); err == nil {
		t.Error("submit to a stopped pool must fail")
	}

	if err := pool.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := pool.Submit(context.Background(), nil); err == nil {
		t.Error("nil task must be rejected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if pool.IsRunning() {
		t.Error("pool still reports running after stop")
	}
	if err := pool.Submit(context.Background(), task); err == nil {
		t.Error("submit after stop must fail")
	}
}

func TestDoubleStartFails(t *testing.T) {
	pool := newRunningPool(t, WorkerPoolConfig{Workers: 2, QueueSize: 4})
	if err := pool.Start(); err == nil {
		t.Error("second start must fail")
	}
	if pool.Workers() != 2 {
		t.Errorf("expected 2 workers, got %d", pool.Workers())
	}
}

func TestSubmitBlocksUntilQueueDrains(t *testing.T) {
	pool := newRunningPool(t, WorkerPoolConfig{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	blocker := NewNamedTask("blocker", TaskFunc(func(ctx context.Context) error {
		<-release
		return nil
	}))
	// First task occupies the worker, second fills the queue.
	if err := pool.Submit(context.Background(), blocker); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := pool.Submit(context.Background(), blocker); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	var ran int64
	submitted := make(chan error, 1)
	go func() {
		submitted <- pool.Submit(context.Background(), NewNamedTask("queued", TaskFunc(func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		})))
	}()

	select {
	case err := <-submitted:
		t.Fatalf("submit returned while the queue was full: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-submitted:
		if err != nil {
			t.Fatalf("submit failed after drain: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submit never unblocked")
	}
}

func TestSubmitHonoursCallerContext(t *testing.T) {
	pool := newRunningPool(t, WorkerPoolConfig{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	defer close(release)
	blocker := NewNamedTask("blocker", TaskFunc(func(ctx context.Context) error {
		<-release
		return nil
	}))
	if err := pool.Submit(context.Background(), blocker); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := pool.Submit(context.Background(), blocker); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, blocker)
	if err == nil {
		t.Fatal("expected a context error")
	}
}

func TestStopWaitsForInFlightTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), WorkerPoolConfig{Workers: 2, QueueSize: 4}, core.NopLogger())
	if err := pool.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var finished int64
	task := NewNamedTask("slow", TaskFunc(func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt64(&finished, 1)
		return nil
	}))
	if err := pool.Submit(context.Background(), task); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if atomic.LoadInt64(&finished) != 1 {
		t.Error("stop returned before the in-flight task finished")
	}
}
