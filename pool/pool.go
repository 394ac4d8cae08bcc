// Package pool provides a bounded worker pool shared by all hooks.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is used when a non-positive size is configured.
const DefaultSize = 8

// Pool bounds how many tasks run at once across every caller.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// New creates a pool running at most size tasks concurrently.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the pool's concurrency limit.
func (p *Pool) Size() int {
	return p.size
}

// PanicError wraps a panic recovered from a task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Run executes every task and returns once all of them have finished.
// errs[i] holds the result of tasks[i]; a task that could not get a slot
// before ctx ended reports ctx.Err().
func (p *Pool) Run(ctx context.Context, tasks []func(context.Context) error) []error {
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					errs[i] = &PanicError{Value: r, Stack: debug.Stack()}
				}
			}()
			errs[i] = task(ctx)
		}()
	}
	wg.Wait()
	return errs
}
