package gateway

import (
	"context"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// TaskGroup runs fire-and-forget work detached from the request that
// scheduled it. Tasks share a base context cancelled by Close and are
// drained by Wait on shutdown.
type TaskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running atomic.Int64
	failed  atomic.Int64
}

// NewTaskGroup creates an empty task group
func NewTaskGroup() *TaskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskGroup{ctx: ctx, cancel: cancel}
}

// Go runs fn in its own goroutine. Errors and panics are logged with name
// and never propagate.
func (tg *TaskGroup) Go(name string, fn func(ctx context.Context) error) {
	tg.wg.Add(1)
	tg.running.Add(1)
	go func() {
		defer tg.wg.Done()
		defer tg.running.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				tg.failed.Add(1)
				log.Printf("[Tasks] task=%s panic=%v\n%s", name, r, debug.Stack())
			}
		}()
		if err := fn(tg.ctx); err != nil {
			tg.failed.Add(1)
			log.Printf("[Tasks] task=%s error=%v", name, err)
		}
	}()
}

// Wait blocks until every task finished or ctx is done
func (tg *TaskGroup) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		tg.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the context of tasks still running
func (tg *TaskGroup) Close() {
	tg.cancel()
}

// Running returns the number of tasks in flight
func (tg *TaskGroup) Running() int64 {
	return tg.running.Load()
}

// Failed returns how many tasks ended with an error or panic
func (tg *TaskGroup) Failed() int64 {
	return tg.failed.Load()
}
