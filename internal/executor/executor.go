// Package executor runs background indexing work on a fixed pool with
// a bounded queue. Tasks for the same user run strictly in submission
// order; tasks for different users run in parallel.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
)

// Defaults for the pool.
const (
	DefaultWorkers  = 4
	DefaultCapacity = 256
	DefaultDrain    = 30 * time.Second
)

// Kind labels a task for logging.
type Kind string

const (
	KindIndexDocument Kind = "index_document"
	KindEvictVectors  Kind = "evict_vectors"
	KindCompactIndex  Kind = "compact_index"
	KindSchedulerJob  Kind = "scheduler_job"
)

// Task is one unit of background work.
type Task struct {
	UserID int64
	Kind   Kind
	Run    func(ctx context.Context) error
}

// Config configures the pool.
type Config struct {
	// Workers is the number of concurrent task runners.
	Workers int

	// Capacity bounds the total queued tasks across users; submissions
	// beyond it are rejected with a backpressure error.
	Capacity int

	// DrainTimeout bounds how long Close waits for queued work.
	DrainTimeout time.Duration
}

// Pool is the bounded executor. Per-user order is preserved by giving
// each user a FIFO list drained by at most one worker at a time.
type Pool struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	queues   map[int64][]Task
	draining map[int64]bool
	queued   int // tasks waiting in a queue; bounded by Capacity
	running  int // tasks currently executing; not counted against Capacity
	closed   bool

	runnable chan int64
	done     chan struct{}
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// New creates and starts the pool.
func New(cfg Config, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrain
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config:   cfg,
		logger:   logger.With("component", "executor"),
		queues:   make(map[int64][]Task),
		draining: make(map[int64]bool),
		runnable: make(chan int64, cfg.Capacity),
		done:     make(chan struct{}),
		baseCtx:  ctx,
		cancel:   cancel,
	}

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker(i)
	}
	return p
}

// Submit enqueues a task. Returns a backpressure error when the queue
// is full so callers can map it to a retry-later response.
func (p *Pool) Submit(task Task) error {
	if task.Run == nil {
		return apperr.ValidationError("task has no body")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return apperr.New(apperr.CodeInternal, "executor is shut down")
	}
	if p.queued >= p.config.Capacity {
		p.mu.Unlock()
		return apperr.Newf(apperr.CodeBackpressure,
			"task queue full (%d queued), retry later", p.config.Capacity)
	}

	p.queued++
	p.queues[task.UserID] = append(p.queues[task.UserID], task)
	schedule := !p.draining[task.UserID]
	if schedule {
		p.draining[task.UserID] = true
	}
	p.mu.Unlock()

	if schedule {
		p.runnable <- task.UserID
	}
	return nil
}

// Pending returns the number of tasks not yet finished, queued and
// running alike.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued + p.running
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case userID := <-p.runnable:
			p.drainUser(id, userID)
		}
	}
}

// drainUser runs the user's queued tasks in order until the queue is
// empty, then releases the user so a later Submit reschedules it.
func (p *Pool) drainUser(workerID int, userID int64) {
	for {
		p.mu.Lock()
		queue := p.queues[userID]
		if len(queue) == 0 {
			delete(p.queues, userID)
			p.draining[userID] = false
			p.mu.Unlock()
			return
		}
		task := queue[0]
		p.queues[userID] = queue[1:]
		// The task stops occupying queue capacity the moment it is
		// picked up; a running task must not starve new submissions.
		p.queued--
		p.running++
		p.mu.Unlock()

		start := time.Now()
		err := task.Run(p.baseCtx)
		elapsed := time.Since(start)

		if err != nil {
			p.logger.Error("task failed",
				"worker", workerID, "user_id", userID, "kind", task.Kind,
				"elapsed", elapsed, "error", err)
		} else {
			p.logger.Debug("task done",
				"worker", workerID, "user_id", userID, "kind", task.Kind,
				"elapsed", elapsed)
		}

		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}
}

// Close stops accepting tasks and waits for queued work to drain, up
// to the configured deadline. Past the deadline, running tasks are
// cancelled via their context.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	deadline := time.NewTimer(p.config.DrainTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

drain:
	for {
		select {
		case <-deadline.C:
			p.logger.Warn("drain deadline exceeded, cancelling remaining tasks",
				"pending", p.Pending())
			break drain
		case <-ticker.C:
			if p.Pending() == 0 {
				break drain
			}
		}
	}

	p.cancel()
	close(p.done)
	p.wg.Wait()
	return nil
}
