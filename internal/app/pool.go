package app

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool runs tasks on a bounded number of goroutines and collects their
// errors by task name. Each task owns its inputs and outputs.
type Pool struct {
	ctx  context.Context
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs map[string]error
}

// NewPool creates a pool running at most workers tasks at once.
func NewPool(ctx context.Context, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		ctx:  ctx,
		sem:  semaphore.NewWeighted(int64(workers)),
		errs: make(map[string]error),
	}
}

// Go blocks until a worker is free and starts fn. When the pool's context
// ends first, fn is not started and the context error is returned.
func (p *Pool) Go(name string, fn func(ctx context.Context) error) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.sem.Release(1)
		defer p.wg.Done()

		if err := fn(p.ctx); err != nil {
			p.mu.Lock()
			p.errs[name] = err
			p.mu.Unlock()
		}
	}()
	return nil
}

// Wait waits for every started task and returns the failures.
func (p *Pool) Wait() map[string]error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errs
}
