// Package worker runs background work for the context-engineering stack:
// memory generation scheduled after conversation turns, and periodic
// maintenance (session TTL sweeps, memory consolidation).
package worker

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// TaskKey identifies the unit of work a task belongs to. Back-to-back
// turns of one session may enqueue overlapping generation tasks; the key
// exists so a future deduplication layer can collapse them.
type TaskKey struct {
	SessionID string
	Turn      int
}

// TaskFunc is a unit of background work. The context is the coordinator's
// own run context, never the request context of whoever scheduled it.
type TaskFunc func(ctx context.Context) error

type task struct {
	key TaskKey
	fn  TaskFunc
}

// Coordinator runs scheduled tasks on a fixed worker pool behind a bounded
// queue. Scheduling never blocks: when the queue is full the task is
// dropped with a warning. Task errors and panics are logged and invisible
// to the caller that scheduled them.
type Coordinator struct {
	queue   chan task
	workers int
	logger  *slog.Logger

	g *errgroup.Group

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewCoordinator creates a coordinator with the given queue capacity and
// worker count. Non-positive values fall back to 64 and 2.
func NewCoordinator(queueSize, workers int, logger *slog.Logger) *Coordinator {
	if queueSize <= 0 {
		queueSize = 64
	}
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		queue:   make(chan task, queueSize),
		workers: workers,
		logger:  logger,
	}
}

// Start launches the worker pool. Tasks run on a context derived from ctx;
// cancelling it stops the workers after their current task.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	g, runCtx := errgroup.WithContext(ctx)
	c.g = g
	for i := 0; i < c.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-runCtx.Done():
					return nil
				case t, ok := <-c.queue:
					if !ok {
						return nil
					}
					c.run(runCtx, t)
				}
			}
		})
	}
}

// Schedule enqueues a task. Returns false when the task was dropped
// because the queue is full or the coordinator is stopped.
func (c *Coordinator) Schedule(key TaskKey, fn TaskFunc) bool {
	// The send stays under the lock so Stop cannot close the queue
	// between the stopped check and the send. It never blocks.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		c.logger.Warn("task rejected, coordinator stopped",
			"session_id", key.SessionID, "turn", key.Turn)
		return false
	}

	select {
	case c.queue <- task{key: key, fn: fn}:
		return true
	default:
		c.logger.Warn("task dropped, queue full",
			"session_id", key.SessionID, "turn", key.Turn)
		return false
	}
}

// Stop closes the queue and waits for workers to finish what is already
// enqueued. Draining is best effort: a cancelled run context wins.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.stopped = true
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.queue)
	c.mu.Unlock()

	c.g.Wait()
}

func (c *Coordinator) run(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("task panicked",
				"session_id", t.key.SessionID, "turn", t.key.Turn, "panic", r)
		}
	}()

	if err := t.fn(ctx); err != nil {
		c.logger.Warn("task failed",
			"session_id", t.key.SessionID, "turn", t.key.Turn, "err", err)
	}
}
