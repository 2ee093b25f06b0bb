package xfer

import "context"

// Future is the pending result of an operation running on its own goroutine.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go runs fn on a new goroutine. A panic in fn is recovered and reported as the future's error.
func Go[T any](logger Logger, fn func() (T, error)) *Future[T] {
	if logger == nil {
		logger = nopLogger{}
	}

	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer recoverTo(logger, &f.err)

		f.val, f.err = fn()
	}()

	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the operation finishes.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.val, f.err
}

// Await is Wait bounded by ctx. The operation keeps running when ctx ends first.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
