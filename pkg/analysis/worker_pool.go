package analysis

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"callaudit/pkg/errors"
)

type poolState int

const (
	poolIdle poolState = iota
	poolRunning
	poolStopped
)

type poolTask struct {
	id       string
	run      func()
	enqueued time.Time
}

// PoolStats is a snapshot of worker pool counters. Averages are in
// milliseconds over completed tasks.
type PoolStats struct {
	TotalTasks      int64 `json:"total_tasks"`
	CompletedTasks  int64 `json:"completed_tasks"`
	FailedTasks     int64 `json:"failed_tasks"`
	ActiveWorkers   int64 `json:"active_workers"`
	QueueCapacity   int   `json:"queue_capacity"`
	AverageWaitTime int64 `json:"average_wait_time_ms"`
	AverageExecTime int64 `json:"average_exec_time_ms"`
}

// WorkerPool runs batch analyses on a fixed set of goroutines fed from a
// bounded queue. Submit blocks while the queue is full.
type WorkerPool struct {
	logger  *logrus.Entry
	workers int
	tasks   chan poolTask

	mu    sync.RWMutex
	state poolState
	wg    sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	active    atomic.Int64
	waitNanos atomic.Int64
	execNanos atomic.Int64
}

// NewWorkerPool creates a pool. A non-positive workers uses one worker per
// CPU. The queue holds two tasks per worker.
func NewWorkerPool(workers int, logger *logrus.Logger) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &WorkerPool{
		logger:  logger.WithField("component", "worker_pool"),
		workers: workers,
		tasks:   make(chan poolTask, workers*2),
	}
}

// Start launches the workers. A pool can be started once; starting a running
// pool is a no-op.
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	switch wp.state {
	case poolRunning:
		return nil
	case poolStopped:
		return errors.Wrap(errors.ErrFailedPrecondition, "worker pool already stopped")
	}

	wp.wg.Add(wp.workers)
	for i := 1; i <= wp.workers; i++ {
		go wp.loop(i)
	}
	wp.state = poolRunning
	wp.logger.WithField("workers", wp.workers).Debug("Worker pool started")
	return nil
}

// Stop closes the queue and waits for queued tasks to drain.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wasRunning := wp.state == poolRunning
	wp.state = poolStopped
	if wasRunning {
		close(wp.tasks)
	}
	wp.mu.Unlock()

	if wasRunning {
		wp.wg.Wait()
		wp.logger.WithField("completed", wp.completed.Load()).Debug("Worker pool stopped")
	}
}

// Submit queues fn, waiting for queue space until ctx is done.
func (wp *WorkerPool) Submit(ctx context.Context, id string, fn func()) error {
	if fn == nil {
		return nil
	}

	// The read lock keeps Stop from closing the queue mid-send.
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.state != poolRunning {
		return errors.Wrap(errors.ErrUnavailable, "worker pool is not running")
	}

	select {
	case wp.tasks <- poolTask{id: id, run: fn, enqueued: time.Now()}:
		wp.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.ErrCanceled, "task submission canceled", map[string]interface{}{
			"task_id": id,
			"cause":   ctx.Err().Error(),
		})
	}
}

func (wp *WorkerPool) loop(worker int) {
	defer wp.wg.Done()
	for task := range wp.tasks {
		wp.run(worker, task)
	}
}

// run executes one task. A panicking task counts as failed and does not take
// the worker down.
func (wp *WorkerPool) run(worker int, task poolTask) {
	started := time.Now()
	wp.waitNanos.Add(int64(started.Sub(task.enqueued)))
	wp.active.Add(1)

	defer func() {
		wp.active.Add(-1)
		wp.execNanos.Add(int64(time.Since(started)))
		wp.completed.Add(1)

		if r := recover(); r != nil {
			wp.failed.Add(1)
			wp.logger.WithFields(logrus.Fields{
				"worker":  worker,
				"task_id": task.id,
				"panic":   r,
			}).Error("Worker recovered from panic")
		}
	}()

	task.run()
}

// GetStats returns a snapshot of the pool counters
func (wp *WorkerPool) GetStats() *PoolStats {
	stats := &PoolStats{
		TotalTasks:     wp.submitted.Load(),
		CompletedTasks: wp.completed.Load(),
		FailedTasks:    wp.failed.Load(),
		ActiveWorkers:  wp.active.Load(),
		QueueCapacity:  cap(wp.tasks),
	}
	if n := stats.CompletedTasks; n > 0 {
		stats.AverageWaitTime = time.Duration(wp.waitNanos.Load() / n).Milliseconds()
		stats.AverageExecTime = time.Duration(wp.execNanos.Load() / n).Milliseconds()
	}
	return stats
}

// WorkerCount returns the number of workers
func (wp *WorkerPool) WorkerCount() int {
	return wp.workers
}
