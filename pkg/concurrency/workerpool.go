// Package concurrency provides the bounded worker pool used for blocking
// effect work and broadcast fan-out. Pool exhaustion queues new tasks; it
// never rejects them.
package concurrency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/navigatorhq/navigator/pkg/core"
)

// WorkerPool abstracts worker goroutine management.
type WorkerPool interface {
	// Start initializes worker goroutines and begins processing tasks.
	Start() error

	// Stop gracefully stops the worker pool.
	// Waits for in-flight tasks to complete (up to ctx timeout).
	Stop(ctx context.Context) error

	// Submit enqueues a task. When the queue is full the call blocks until
	// space frees up or ctx is cancelled.
	Submit(ctx context.Context, task Task) error

	// Workers returns the number of worker goroutines.
	Workers() int

	// IsRunning returns true if the worker pool is running.
	IsRunning() bool
}

// WorkerPoolConfig configures a WorkerPool.
type WorkerPoolConfig struct {
	Workers   int // Number of worker goroutines
	QueueSize int // Task queue size
}

// DefaultWorkerPoolConfig returns default worker pool configuration.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:   64,
		QueueSize: 1024,
	}
}

type defaultWorkerPool struct {
	workers  int
	taskChan chan Task
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  int32
	ctx      context.Context
	cancel   context.CancelFunc
	logger   core.Logger
}

// NewWorkerPool creates a new WorkerPool.
func NewWorkerPool(ctx context.Context, config WorkerPoolConfig, logger core.Logger) WorkerPool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = 100
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	ctx, cancel := context.WithCancel(ctx)

	return &defaultWorkerPool{
		workers:  config.Workers,
		taskChan: make(chan Task, config.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		logger:   core.WithComponent(logger, "workerpool"),
	}
}

// Start implements WorkerPool.
func (wp *defaultWorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if atomic.LoadInt32(&wp.running) == 1 {
		return fmt.Errorf("worker pool is already running")
	}

	atomic.StoreInt32(&wp.running, 1)
	wp.wg.Add(wp.workers)

	for i := 0; i < wp.workers; i++ {
		go wp.worker(i)
	}

	return nil
}

func (wp *defaultWorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-wp.taskChan:
			if !ok {
				return
			}
			if err := task.Execute(wp.ctx); err != nil {
				wp.logger.Debugf("worker %d: task %s failed: %v", id, task.Name(), err)
			}
		case <-wp.ctx.Done():
			return
		}
	}
}

// Stop implements WorkerPool.
func (wp *defaultWorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if atomic.LoadInt32(&wp.running) == 0 {
		return nil
	}

	atomic.StoreInt32(&wp.running, 0)
	wp.cancel()
	close(wp.taskChan)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop timeout: %w", ctx.Err())
	}
}

// Submit implements WorkerPool. A full queue blocks the caller; this is the
// backpressure boundary for outbound work.
func (wp *defaultWorkerPool) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if atomic.LoadInt32(&wp.running) == 0 {
		return fmt.Errorf("worker pool is not running")
	}

	select {
	case wp.taskChan <- task:
		return nil
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Workers implements WorkerPool.
func (wp *defaultWorkerPool) Workers() int {
	return wp.workers
}

// IsRunning implements WorkerPool.
func (wp *defaultWorkerPool) IsRunning() bool {
	return atomic.LoadInt32(&wp.running) == 1
}
