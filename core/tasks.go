package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"argus/metrics"
	"argus/util/goroutine"

	"go.uber.org/zap"
)

// TaskQueue errors.
var (
	ErrTaskQueueNotRunning = errors.New("task queue is not running")
	ErrTaskQueueFull       = errors.New("task queue is full")
)

// Task is one named unit of best-effort background work, e.g. an enrichment
// lookup triggered from ingestion.
type Task struct {
	Name    string
	Run     func(ctx context.Context) error
	attempt int
}

// TaskQueue runs fire-and-forget side work on a bounded queue with a capped
// retry count, so failures stay observable instead of vanishing into
// unawaited calls.
type TaskQueue struct {
	workers    int
	maxRetries int
	retryDelay time.Duration
	taskCh     chan *Task
	wg         sync.WaitGroup
	logger     *zap.SugaredLogger
	ctx        context.Context
	cancel     context.CancelFunc
	running    bool
	mu         sync.RWMutex
}

// NewTaskQueue creates a task queue. Workers are not started until Start.
func NewTaskQueue(parentCtx context.Context, workers, queueSize, maxRetries int, logger *zap.SugaredLogger) *TaskQueue {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(parentCtx)
	return &TaskQueue{
		workers:    workers,
		maxRetries: maxRetries,
		retryDelay: 250 * time.Millisecond,
		taskCh:     make(chan *Task, queueSize),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the worker goroutines. Safe to call more than once.
func (q *TaskQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.logger.Infow("Starting task queue", "workers", q.workers, "capacity", cap(q.taskCh))
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Stop cancels the workers and waits for them to drain, with a timeout so
// shutdown can never hang on a stuck task.
func (q *TaskQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.cancel()
	close(q.taskCh)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Infow("Task queue stopped")
	case <-time.After(10 * time.Second):
		q.logger.Errorw("Task queue shutdown timed out", "workers", q.workers)
	}
}

// Submit enqueues a task. It never blocks: a full queue is an error the
// caller can count and move on from.
func (q *TaskQueue) Submit(name string, run func(ctx context.Context) error) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.running {
		return ErrTaskQueueNotRunning
	}
	select {
	case q.taskCh <- &Task{Name: name, Run: run}:
		metrics.TaskQueueDepth.Set(float64(len(q.taskCh)))
		return nil
	default:
		metrics.TasksDropped.Inc()
		return ErrTaskQueueFull
	}
}

func (q *TaskQueue) worker(id int) {
	defer q.wg.Done()
	defer goroutine.Recover("task-queue", q.logger)

	for {
		select {
		case <-q.ctx.Done():
			return
		case task, ok := <-q.taskCh:
			if !ok {
				return
			}
			q.execute(id, task)
		}
	}
}

func (q *TaskQueue) execute(workerID int, task *Task) {
	for {
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Errorw("Task panicked", "task", task.Name, "worker", workerID, "panic", r)
					err = errors.New("task panicked")
				}
			}()
			return task.Run(q.ctx)
		}()
		if err == nil {
			metrics.TasksProcessed.WithLabelValues(task.Name).Inc()
			return
		}
		if task.attempt >= q.maxRetries || q.ctx.Err() != nil {
			metrics.TaskFailures.WithLabelValues(task.Name).Inc()
			q.logger.Warnw("Task gave up", "task", task.Name, "attempts", task.attempt+1, "error", err)
			return
		}
		task.attempt++
		metrics.TaskRetries.WithLabelValues(task.Name).Inc()
		select {
		case <-q.ctx.Done():
			return
		case <-time.After(q.retryDelay * time.Duration(task.attempt)):
		}
	}
}
