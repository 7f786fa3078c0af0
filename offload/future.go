package offload

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Future errors.
var (
	// ErrCancelled is returned by Wait after Cancel.
	ErrCancelled = errors.New("offload: task cancelled")

	// ErrHarvestTimeout is returned by Wait when the result is not ready in time.
	ErrHarvestTimeout = errors.New("offload: timed out waiting for task")
)

// Future is the handle of one asynchronous task. It settles exactly
// once: the first of Complete, Fail or Cancel wins.
type Future[R any] struct {
	done chan struct{}
	once sync.Once
	val  R
	err  error
}

// NewFuture returns an unsettled future.
func NewFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

// Go runs fn on a new goroutine and returns its future.
func Go[R any](fn func() (R, error)) *Future[R] {
	f := NewFuture[R]()
	go func() {
		v, err := fn()
		if err != nil {
			f.Fail(err)
			return
		}
		f.Complete(v)
	}()
	return f
}

// Complete settles the future with v. It reports whether it won.
func (f *Future[R]) Complete(v R) bool {
	return f.settle(v, nil)
}

// Fail settles the future with err. It reports whether it won.
func (f *Future[R]) Fail(err error) bool {
	var zero R
	return f.settle(zero, err)
}

// Cancel settles the future with ErrCancelled. A task that finishes
// afterwards has its result discarded.
func (f *Future[R]) Cancel() bool {
	var zero R
	return f.settle(zero, ErrCancelled)
}

// Done is closed once the future settles.
func (f *Future[R]) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future has settled.
func (f *Future[R]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether Cancel settled the future.
func (f *Future[R]) IsCancelled() bool {
	return f.IsDone() && errors.Is(f.err, ErrCancelled)
}

// Wait blocks until the future settles or timeout elapses.
func (f *Future[R]) Wait(timeout time.Duration) (R, error) {
	if f.IsDone() {
		return f.val, f.err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.val, f.err
	case <-timer.C:
		var zero R
		return zero, fmt.Errorf("%w after %v", ErrHarvestTimeout, timeout)
	}
}

func (f *Future[R]) settle(v R, err error) bool {
	won := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		won = true
	})
	return won
}
