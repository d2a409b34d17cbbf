package infrastructure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WorkerPool runs background jobs (lead reconciliation, usage
// notifications) on a fixed number of goroutines fed by a bounded queue.
type WorkerPool struct {
	jobs    chan poolJob
	timeout time.Duration
	base    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

type poolJob struct {
	name string
	fn   func(ctx context.Context) error
}

// NewWorkerPool starts workers goroutines. Each job gets its own timeout.
func NewWorkerPool(workers, queueSize int, timeout time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	base, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		jobs:    make(chan poolJob, queueSize),
		timeout: timeout,
		base:    base,
		cancel:  cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

// Submit queues fn without blocking. It returns false when the queue is
// full or the pool is shutting down.
func (p *WorkerPool) Submit(name string, fn func(ctx context.Context) error) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- poolJob{name: name, fn: fn}:
		return true
	default:
		return false
	}
}

// Pending returns the number of queued jobs.
func (p *WorkerPool) Pending() int {
	return len(p.jobs)
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *WorkerPool) run(j poolJob) {
	ctx := p.base
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("background job panicked",
				zap.String("job", j.name),
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"))
		}
	}()

	if err := j.fn(ctx); err != nil {
		zap.L().Error("background job failed",
			zap.String("job", j.name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	zap.L().Debug("background job done", zap.String("job", j.name), zap.Duration("elapsed", time.Since(start)))
}

// Shutdown stops accepting jobs and waits for queued ones to finish. When
// ctx ends first, running jobs are cancelled and ctx.Err() is returned.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
