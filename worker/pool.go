package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/xraph/beacon/machine"
)

// Pool runs firings on goroutines, at most size at a time. The acquisition
// loop reserves slots before acquiring triggers so it never claims more
// work than the pool can start.
type Pool struct {
	executor *Executor
	size     int
	sem      *semaphore.Weighted
	logger   *slog.Logger

	// base is the parent of every handler context; cancelled when Stop
	// runs out of time.
	base   context.Context
	cancel context.CancelFunc

	wg      sync.WaitGroup
	active  atomic.Int64
	mu      sync.Mutex
	stopped bool
}

// NewPool creates a pool of size slots.
func NewPool(executor *Executor, size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		executor: executor,
		size:     size,
		sem:      semaphore.NewWeighted(int64(size)),
		logger:   logger,
		base:     base,
		cancel:   cancel,
	}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// Active returns the number of firings currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Reserve blocks until at least one slot is free, then takes up to max
// slots without waiting further. It returns the number taken.
func (p *Pool) Reserve(ctx context.Context, max int) (int, error) {
	if max < 1 {
		max = 1
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	n := 1
	for n < max && p.sem.TryAcquire(1) {
		n++
	}
	return n, nil
}

// Release returns n unused reserved slots.
func (p *Pool) Release(n int) {
	if n > 0 {
		p.sem.Release(int64(n))
	}
}

// Run executes b on a reserved slot and frees it when done. It returns
// false, freeing the slot, when the pool is stopped.
func (p *Pool) Run(b *machine.Bundle) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.Release(1)
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.active.Add(-1)

		if err := p.executor.Execute(p.base, b); err != nil {
			p.logger.Debug("job execution failed",
				slog.String("job", b.Job.Key.String()),
				slog.String("trigger", b.Trigger.Key.String()),
				slog.String("error", err.Error()),
			)
		}
	}()
	return true
}

// Stop refuses new work and waits for running firings. If ctx ends first
// the handlers' contexts are cancelled and Stop waits for them to return.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs",
			slog.Int("active", p.Active()),
		)
		p.cancel()
		<-done
	}
	p.cancel()
	return nil
}
