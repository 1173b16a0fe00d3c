package lane

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrClosed  = errors.New("dispatcher is closed")
	ErrTimeout = errors.New("lane wait timeout")
)

// PanicError is returned to submitter of task that panicked.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in lane task: %v", e.Value)
}

// Future is result of task submitted to lane.
// Waiting on future is optional: task executes anyway.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(*new(T), err)
	return f
}

func (f *Future[T]) resolve(v T, err error) {
	f.value, f.err = v, err
	close(f.done)
}

// Done is closed when task has been executed.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Result returns task result. Should be called only after Done is closed.
func (f *Future[T]) Result() (T, error) {
	select {
	case <-f.done:
	default:
		panic("future result read before task done")
	}
	return f.value, f.err
}

// Wait blocks until task done or ctx done. In the last case task still will be
// executed, but it's result is lost.
func (f *Future[T]) Wait(ctx context.Context) (v T, err error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		err = ctx.Err()
		return
	}
}

// WaitTimeout is like Wait, but returns ErrTimeout after timeout.
// Non positive timeout means wait forever.
func (f *Future[T]) WaitTimeout(timeout time.Duration) (v T, err error) {
	if timeout <= 0 {
		<-f.done
		return f.value, f.err
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.done:
		return f.value, f.err
	case <-t.C:
		err = ErrTimeout
		return
	}
}
