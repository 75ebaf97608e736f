package engine

import (
	"context"
)

// workerPool bounds concurrent external tool pipelines. Waiters queue on the
// channel in arrival order; a waiter whose context expires while queued
// fails with the context error, so queue wait counts against the task
// deadline.
type workerPool struct {
	slots chan struct{}
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 4
	}
	return &workerPool{slots: make(chan struct{}, size)}
}

func (p *workerPool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *workerPool) release() {
	<-p.slots
}
