// Package taskqueue runs pipeline work on one dedicated goroutine.
//
// Every stage operation, pool mutation and release decision of a
// pipeline executes as a task on its queue, so no two of them ever run
// concurrently. Other goroutines communicate with the pipeline only by
// submitting tasks.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Queue errors.
var (
	// ErrReleased is returned when submitting to a released queue.
	ErrReleased = errors.New("taskqueue: queue released")

	// ErrReleaseTimeout is returned when the release task does not finish in time.
	ErrReleaseTimeout = errors.New("taskqueue: release timed out")

	// ErrDropped is returned by Invoke when Flush dropped its task.
	ErrDropped = errors.New("taskqueue: task dropped")
)

// Task is a unit of work. A returned error goes to the queue's error handler.
type Task = func() error

// entry is a queued task. drop, when set, is told why the task will
// never run.
type entry struct {
	run  Task
	drop func(error)
}

// Queue is a serial executor. Tasks run in submission order; high
// priority tasks run before any queued normal task.
type Queue struct {
	logger  *slog.Logger
	onError func(error)
	repanic bool

	mu       sync.Mutex
	cond     *sync.Cond
	normal   []entry
	priority []entry
	released bool

	done chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithRepanic lets a panicking task crash the processing goroutine
// instead of turning the panic into an error.
func WithRepanic() Option {
	return func(q *Queue) { q.repanic = true }
}

// New starts a queue. onError receives every error a task returns; when
// nil, errors are logged.
func New(logger *slog.Logger, onError func(error), opts ...Option) *Queue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	q := &Queue{
		logger:  logger,
		onError: onError,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Submit enqueues t.
func (q *Queue) Submit(t Task) error {
	return q.enqueue(entry{run: t}, false)
}

// SubmitHighPriority enqueues t ahead of all queued normal tasks.
func (q *Queue) SubmitHighPriority(t Task) error {
	return q.enqueue(entry{run: t}, true)
}

// Invoke runs t on the queue and waits for it. The task's error is
// returned to the caller instead of the error handler. Invoke must not be
// called from a task. If the task is dropped by Flush or Release before
// it runs, Invoke returns ErrDropped or ErrReleased.
func (q *Queue) Invoke(ctx context.Context, t Task) error {
	result := make(chan error, 1)
	err := q.enqueue(entry{
		run: func() error {
			result <- q.exec(t)
			return nil
		},
		drop: func(err error) { result <- err },
	}, false)
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("taskqueue: invoke: %w", ctx.Err())
	}
}

// Flush drops every queued normal task. Priority tasks and the task
// currently running are unaffected.
func (q *Queue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropNormal(ErrDropped)
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.normal) + len(q.priority)
}

// Release drops queued tasks, runs final on the queue goroutine and
// stops the queue. It waits at most timeout for final to finish.
func (q *Queue) Release(final Task, timeout time.Duration) error {
	result := make(chan error, 1)
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return ErrReleased
	}
	q.dropNormal(ErrReleased)
	q.priority = append(q.priority, entry{run: func() error {
		if final == nil {
			result <- nil
			return nil
		}
		result <- q.exec(final)
		return nil
	}})
	q.released = true
	q.cond.Signal()
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		<-q.done
		return err
	case <-timer.C:
		q.logger.Warn("taskqueue: release timed out", "timeout", timeout)
		return fmt.Errorf("%w after %v", ErrReleaseTimeout, timeout)
	}
}

// IsReleased reports whether Release was called.
func (q *Queue) IsReleased() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.released
}

func (q *Queue) enqueue(e entry, high bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return ErrReleased
	}
	if high {
		q.priority = append(q.priority, e)
	} else {
		q.normal = append(q.normal, e)
	}
	q.cond.Signal()
	return nil
}

func (q *Queue) next() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.priority) == 0 && len(q.normal) == 0 {
		if q.released {
			return nil, false
		}
		q.cond.Wait()
	}
	var e entry
	if len(q.priority) > 0 {
		e = q.priority[0]
		q.priority[0] = entry{}
		q.priority = q.priority[1:]
	} else {
		e = q.normal[0]
		q.normal[0] = entry{}
		q.normal = q.normal[1:]
	}
	return e.run, true
}

// dropNormal discards the queued normal tasks, telling each waiter err.
// q.mu must be held.
func (q *Queue) dropNormal(err error) int {
	n := len(q.normal)
	for _, e := range q.normal {
		if e.drop != nil {
			e.drop(err)
		}
	}
	clear(q.normal)
	q.normal = q.normal[:0]
	return n
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		t, ok := q.next()
		if !ok {
			return
		}
		if err := q.exec(t); err != nil {
			if q.onError != nil {
				q.onError(err)
			} else {
				q.logger.Error("taskqueue: task failed", "err", err)
			}
		}
	}
}

// exec runs t. Unless the queue repanics, a panic becomes an error and
// the processing goroutine survives.
func (q *Queue) exec(t Task) (err error) {
	if q.repanic {
		return t()
	}
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("taskqueue: task panicked: %w", e)
				return
			}
			err = fmt.Errorf("taskqueue: task panicked: %v", r)
		}
	}()
	return t()
}
