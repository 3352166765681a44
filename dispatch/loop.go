// Package dispatch runs host-side callbacks on a single dispatch
// goroutine, the in-process stand-in for a platform main thread.
// Application callbacks (sign envelopes, async completions) are only
// ever invoked from the loop goroutine, so application code never
// needs its own locking against the SDK.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrLoopClosed is returned when work is submitted after Shutdown.
var ErrLoopClosed = errors.New("dispatch loop closed")

// Task is a unit of work executed on the loop goroutine. The context
// it receives is the loop context; FromContext recovers the loop.
type Task func(ctx context.Context)

// Loop executes tasks one at a time, in submission order, on a single
// goroutine. A panicking task is recovered and logged; the loop keeps
// running.
type Loop struct {
	logger *slog.Logger

	mu     sync.Mutex
	queue  []Task
	closed bool

	wake   chan struct{}
	done   chan struct{}
	base   context.Context
	cancel context.CancelFunc
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLogger sets the logger used for panic and drop reports.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoop starts the loop goroutine and returns the running loop.
func NewLoop(opts ...LoopOption) *Loop {
	l := &Loop{
		logger: slog.Default(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	base, cancel := context.WithCancel(context.Background())
	l.base = context.WithValue(base, loopKey{}, l)
	l.cancel = cancel

	go l.run()
	return l
}

// Post enqueues task for execution on the loop goroutine.
func (l *Loop) Post(task Task) error {
	if task == nil {
		return errors.New("dispatch: nil task")
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call enqueues task and waits until it has run. When called from the
// loop goroutine itself the task runs immediately instead of being
// queued, so loop code can call helpers that use Call without
// deadlocking. If ctx expires first, Call returns ctx.Err() but the
// task still runs later.
func (l *Loop) Call(ctx context.Context, task Task) error {
	if task == nil {
		return errors.New("dispatch: nil task")
	}
	if FromContext(ctx) == l {
		task(ctx)
		return nil
	}

	ran := make(chan struct{})
	err := l.Post(func(loopCtx context.Context) {
		defer close(ran)
		task(loopCtx)
	})
	if err != nil {
		return err
	}

	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting new tasks, drains the queue, then stops the
// loop goroutine. It returns ctx.Err() if draining outlives ctx.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case <-l.done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		return ctx.Err()
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 {
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		task := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.exec(task)
	}
}

func (l *Loop) exec(task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("dispatch task panicked", slog.Any("panic", r))
		}
	}()
	task(l.base)
}

type loopKey struct{}

// FromContext returns the loop whose goroutine is executing ctx, or
// nil when ctx does not belong to a loop task.
func FromContext(ctx context.Context) *Loop {
	l, _ := ctx.Value(loopKey{}).(*Loop)
	return l
}

// Detach strips the loop tag from ctx. Work handed to another
// goroutine carries a detached context so loop detection stays
// accurate.
func Detach(ctx context.Context) context.Context {
	if FromContext(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, loopKey{}, (*Loop)(nil))
}
