package task

import (
	"context"
	"sync"
)

// Future is a write-once promise for a task's terminal outcome. The
// scheduler resolves it when the task succeeds terminally, exhausts its
// attempt budget, or is cleared before execution.
type Future[T any] struct {
	once   sync.Once
	done   chan struct{}
	result T
	err    error
}

// NewFuture creates an unresolved Future and its resolve function.
// The resolve function is idempotent: only the first call wins.
func NewFuture[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{done: make(chan struct{})}
	resolve := func(result T, err error) {
		f.once.Do(func() {
			f.result = result
			f.err = err
			close(f.done)
		})
	}
	return f, resolve
}

// Done returns a channel that is closed when the future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or the context is cancelled.
// Context cancellation does not cancel the underlying task.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the resolved outcome. It must only be called after
// Done is closed; calling it earlier returns the zero value.
func (f *Future[T]) Result() (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
		var zero T
		return zero, nil
	}
}
