package dispatch

import (
	"context"
	"log/slog"
	"sync"
)

// Scheduler runs blocking engine work on worker goroutines and posts
// each completion back to the loop. Fast work stays on the calling
// goroutine; only operations that park (callback and remote signing)
// are scheduled here.
type Scheduler struct {
	loop   *Loop
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewScheduler returns a scheduler posting completions to loop.
func NewScheduler(loop *Loop, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		loop:   loop,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger for completion delivery reports.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Loop returns the loop completions are delivered on.
func (s *Scheduler) Loop() *Loop {
	return s.loop
}

// Wait blocks until every scheduled worker has finished or ctx
// expires.
func (s *Scheduler) Wait(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Async runs fn on a worker goroutine and delivers its result to done
// on the loop goroutine. The worker receives a detached context so
// loop detection inside fn stays accurate. If the loop has shut down
// by the time fn finishes, done runs on the worker instead of being
// dropped.
func Async[T any](s *Scheduler, ctx context.Context, fn func(context.Context) (T, error), done func(T, error)) {
	ctx = Detach(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		v, err := fn(ctx)
		if done == nil {
			return
		}
		if postErr := s.loop.Post(func(context.Context) { done(v, err) }); postErr != nil {
			s.logger.Debug("loop closed, completing on worker", slog.Any("error", postErr))
			done(v, err)
		}
	}()
}
