// ABOUTME: Fixed-size worker pool with a bounded handoff queue
// ABOUTME: Submit never blocks; a full queue is reported to the caller instead

package workq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrPoolSaturated is returned when the handoff queue is full.
	ErrPoolSaturated = errors.New("worker pool saturated")

	// ErrPoolClosed is returned when submitting after Shutdown.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Task is a unit of work run on a pool worker.
type Task func()

// Pool runs tasks on a fixed number of goroutines.
type Pool struct {
	name   string
	queue  chan Task
	logger *slog.Logger

	// mu guards closed against concurrent Submit and Shutdown; Submit holds
	// the read side so it never sends on a closed queue.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts a pool with the given number of workers and queue capacity.
func New(name string, workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		name:   name,
		queue:  make(chan Task, queueSize),
		logger: logger.With("component", "workq", "pool", name),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func(i int) {
			defer p.wg.Done()
			p.worker(i)
		}(i)
	}

	p.logger.Info("worker pool started", "workers", workers, "queue_size", queueSize)
	return p
}

func (p *Pool) worker(id int) {
	for task := range p.queue {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "worker", id, "panic", fmt.Sprint(r))
		}
	}()
	task()
}

// Submit hands task to an idle worker or the queue without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrPoolSaturated
	}
}

// Pending returns the number of tasks waiting for a worker.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish or ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown deadline exceeded", "pending", len(p.queue))
		return fmt.Errorf("draining %s pool: %w", p.name, ctx.Err())
	}
}
