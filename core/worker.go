package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"coalesce/metrics"
	"coalesce/util/goroutine"
)

var (
	// ErrWorkerPoolNotRunning is returned when submitting to a stopped pool.
	ErrWorkerPoolNotRunning = errors.New("worker pool is not running")
	// ErrWorkerPoolQueueFull is returned when the task queue is at capacity.
	ErrWorkerPoolQueueFull = errors.New("worker pool queue is full")
)

// WorkerPool runs independent rule evaluations in parallel within one scan.
// Tasks must be self-contained: each owns its own analytic engine instance,
// so workers never share mutable state outside the backing store.
type WorkerPool struct {
	workers  int
	taskCh   chan func()
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	mu       sync.RWMutex
	poolName string
}

// NewWorkerPool creates a worker pool. Workers do not start until Start().
func NewWorkerPool(parentCtx context.Context, workers, queueSize int, poolName string, logger *zap.SugaredLogger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if poolName == "" {
		poolName = "default"
	}
	ctx, cancel := context.WithCancel(parentCtx)
	return &WorkerPool{
		workers:  workers,
		taskCh:   make(chan func(), queueSize),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		poolName: poolName,
	}
}

// Start begins processing tasks.
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return nil
	}
	wp.running = true
	wp.logger.Infow("Starting worker pool", "pool", wp.poolName, "workers", wp.workers)

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	return nil
}

// Stop shuts the pool down and waits for in-flight tasks, with a timeout so
// a wedged task cannot deadlock engine shutdown.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.running {
		return
	}
	wp.running = false
	wp.cancel()
	close(wp.taskCh)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped", "pool", wp.poolName)
	case <-time.After(30 * time.Second):
		wp.logger.Errorw("Worker pool shutdown timed out, goroutines leaked",
			"pool", wp.poolName, "workers", wp.workers)
	}
}

// Submit queues a task for execution.
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrWorkerPoolNotRunning
	}

	select {
	case wp.taskCh <- task:
		return nil
	default:
		return ErrWorkerPoolQueueFull
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	defer goroutine.Recover("worker-pool", wp.logger)

	for {
		select {
		case <-wp.ctx.Done():
			return
		case task, ok := <-wp.taskCh:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						wp.logger.Errorw("Task panicked in worker",
							"pool", wp.poolName, "worker_id", id, "panic", r)
					}
				}()
				task()
				metrics.WorkerTasksProcessed.WithLabelValues(wp.poolName).Inc()
			}()
		}
	}
}
