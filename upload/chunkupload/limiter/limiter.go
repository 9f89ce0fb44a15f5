// Package limiter runs asynchronous tasks with a bounded number of concurrent
// executions, per-task retries and an optional fail-fast mode.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrAborted is matched by every error returned for tasks that were rejected
// because the limiter started aborting.
var ErrAborted = errors.New("queue execution aborted")

// AbortedError is returned for a task that never ran (or was not retried)
// because another task failed while the limiter was in fail-fast mode.
type AbortedError struct {
	// Cause is the failure that put the limiter into the aborting state.
	Cause error
}

func (e *AbortedError) Error() string {
	if e.Cause == nil {
		return ErrAborted.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAborted, e.Cause)
}

func (e *AbortedError) Is(target error) bool {
	return target == ErrAborted
}

func (e *AbortedError) Unwrap() error {
	return e.Cause
}

// Limiter is a FIFO task queue with at most Concurrency task bodies running at a time.
//
// A failed attempt is re-queued at the tail while it has retries left, so it
// competes for a slot with the tasks scheduled after it. With exitOnError set,
// the first final failure switches the limiter into the aborting state: every
// queued and every later scheduled task settles with an *AbortedError.
// Running bodies are never cancelled.
type Limiter struct {
	concurrency int
	maxRetries  int
	exitOnError bool
	logger      log.Logger

	mu       sync.Mutex
	running  int
	queue    []*task
	cause    error
	aborting atomic.Bool
}

type task struct {
	ctx     context.Context
	attempt int
	run     func(ctx context.Context) error
	settle  func(err error)
}

// New creates a Limiter. Concurrency below 1 is treated as 1, negative
// maxRetries as 0.
func New(concurrency, maxRetries int, exitOnError bool, logger log.Logger) *Limiter {
	if concurrency < 1 {
		concurrency = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Limiter{
		concurrency: concurrency,
		maxRetries:  maxRetries,
		exitOnError: exitOnError,
		logger:      logger,
	}
}

// Aborting reports whether a final failure already switched the limiter into fail-fast mode.
func (l *Limiter) Aborting() bool {
	return l.aborting.Load()
}

// Err returns the failure that started the abort, or nil.
func (l *Limiter) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cause
}

// Running returns the number of task bodies currently executing.
func (l *Limiter) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Queued returns the number of tasks waiting for a slot, retries included.
func (l *Limiter) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Limiter) enqueue(t *task) {
	l.mu.Lock()
	if l.aborting.Load() {
		cause := l.cause
		l.mu.Unlock()
		t.settle(&AbortedError{Cause: cause})
		return
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()

	l.dispatch()
}

// dispatch starts queued tasks while there are free slots.
func (l *Limiter) dispatch() {
	for {
		l.mu.Lock()
		if l.running >= l.concurrency || len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}

		t := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]

		if err := t.ctx.Err(); err != nil {
			l.mu.Unlock()
			t.settle(err)
			continue
		}

		l.running++
		l.mu.Unlock()

		go l.execute(t)
	}
}

func (l *Limiter) execute(t *task) {
	err := t.run(t.ctx)

	var drained []*task
	var settleErr error
	requeued := false

	l.mu.Lock()
	l.running--
	switch {
	case err == nil:
	case t.ctx.Err() != nil:
		settleErr = t.ctx.Err()
	case t.attempt < l.maxRetries && !l.aborting.Load():
		t.attempt++
		l.queue = append(l.queue, t)
		requeued = true
	case t.attempt < l.maxRetries:
		settleErr = &AbortedError{Cause: l.cause}
	default:
		settleErr = err
		if l.exitOnError && !l.aborting.Load() {
			l.cause = err
			l.aborting.Store(true)
			drained = l.queue
			l.queue = nil
		}
	}
	l.mu.Unlock()

	if requeued {
		l.logger.Warnf("Task failed (attempt %d/%d), retrying: %s", t.attempt, l.maxRetries+1, err)
	} else {
		t.settle(settleErr)
	}

	if len(drained) > 0 {
		l.logger.Debugf("Aborting %d queued task(s) after failure: %s", len(drained), err)
		for _, q := range drained {
			q.settle(&AbortedError{Cause: err})
		}
	}

	l.dispatch()
}

// Future is the pending outcome of a scheduled task.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Done is closed once the task settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task settles and returns its value or final error.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// Schedule queues fn on the limiter. fn may be invoked several times when the
// limiter retries; ctx is passed to every attempt.
func Schedule[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	var once sync.Once

	l.enqueue(&task{
		ctx: ctx,
		run: func(ctx context.Context) error {
			v, err := fn(ctx)
			if err == nil {
				f.value = v
			}
			return err
		},
		settle: func(err error) {
			once.Do(func() {
				f.err = err
				close(f.done)
			})
		},
	})

	return f
}
