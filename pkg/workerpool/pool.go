// Package workerpool runs cohort builds on a small, bounded set of workers.
// Callers submit a task and wait for its result; failed tasks are retried with a
// growing delay unless the error is marked permanent.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned for tasks submitted after Stop.
	ErrStopped = errors.New("worker pool is stopped")
	// ErrQueueFull is returned when every queue slot is taken.
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Task is one build handed to the pool.
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context
	// Attempt is 1 on the first run and grows with each retry.
	Attempt int

	reply chan *Result
}

// Result is the outcome of a task.
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    interface{}
}

// WorkerFunc processes one attempt of a task.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent builds
	Workers int
	// QueueSize bounds the tasks waiting for a worker
	QueueSize int
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for running builds
	GracefulShutdownTimeout time.Duration
	// Permanent marks errors that a retry cannot fix. Such tasks fail at once.
	Permanent func(error) bool
}

// DefaultConfig returns defaults sized for cohort builds
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               16,
		MaxRetries:              2,
		RetryDelay:              500 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed number of workers.
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	mu      sync.RWMutex
	stopped bool
	tasks   chan *Task
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	retried   int64
	busy      int64
}

// New creates a worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		tasks:      make(chan *Task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// SubmitWait queues a task and waits for its final result. A cancelled ctx stops the
// wait; the task itself runs with task.Context, or the pool context when that is nil.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.reply = make(chan *Result, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return nil, ErrStopped
	}
	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
	default:
		p.mu.RUnlock()
		return nil, ErrQueueFull
	}
	p.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-task.reply:
		return result, nil
	}
}

// Stop refuses new tasks, cancels running ones and waits for the workers.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool: shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		atomic.AddInt64(&p.busy, 1)
		result := p.run(id, task)
		atomic.AddInt64(&p.busy, -1)
		task.reply <- result
	}
}

// run executes a task until it succeeds, fails permanently or runs out of attempts.
func (p *Pool) run(workerID int, task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	result := p.attempt(ctx, task)
	for retry := 1; !result.Success && retry <= p.config.MaxRetries; retry++ {
		if p.config.Permanent != nil && p.config.Permanent(result.Error) {
			break
		}
		atomic.AddInt64(&p.retried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempt),
			zap.Error(result.Error))

		select {
		case <-ctx.Done():
			result = &Result{TaskID: task.ID, Error: ctx.Err()}
		case <-time.After(p.config.RetryDelay * time.Duration(retry)):
			result = p.attempt(ctx, task)
		}
		if ctx.Err() != nil {
			break
		}
	}

	if result.Success {
		atomic.AddInt64(&p.completed, 1)
		return result
	}
	atomic.AddInt64(&p.failed, 1)
	p.logger.Error("task failed",
		zap.String("task_id", task.ID),
		zap.Int("worker_id", workerID),
		zap.Int("attempts", task.Attempt),
		zap.Error(result.Error))
	return result
}

func (p *Pool) attempt(ctx context.Context, task *Task) *Result {
	if err := ctx.Err(); err != nil {
		return &Result{TaskID: task.ID, Error: err}
	}
	task.Attempt++
	result := p.workerFunc(ctx, task)
	if result == nil {
		result = &Result{TaskID: task.ID, Error: fmt.Errorf("worker returned no result")}
	}
	if !result.Success && result.Error == nil {
		result.Error = fmt.Errorf("task %s failed without an error", task.ID)
	}
	return result
}

// Stats is a snapshot of pool counters.
type Stats struct {
	TasksSubmitted int64 `json:"tasks_submitted"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	TasksRetried   int64 `json:"tasks_retried"`
	Busy           int64 `json:"busy"`
	Queued         int   `json:"queued"`
	Workers        int   `json:"workers"`
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.submitted),
		TasksCompleted: atomic.LoadInt64(&p.completed),
		TasksFailed:    atomic.LoadInt64(&p.failed),
		TasksRetried:   atomic.LoadInt64(&p.retried),
		Busy:           atomic.LoadInt64(&p.busy),
		Queued:         len(p.tasks),
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the pool accepts work and its queue has room.
func (p *Pool) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.stopped && len(p.tasks) < cap(p.tasks)
}
