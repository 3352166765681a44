// Package session tracks manifest builders behind opaque integer
// handles. A registry instance is owned by one host; nothing here is
// process global. Handles start at 1, grow monotonically, and are
// never reused while the registry is alive, so a stale handle can
// never silently address a newer session.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/provamark-dev/provamark-host-sdk/engine"
)

// Handle identifies one live session. Handles are always positive.
type Handle int64

// Session is one manifest builder under construction. The registry
// entry exclusively owns the builder; once disposed no other component
// may hold a live reference.
type Session struct {
	Builder engine.Builder
	Created time.Time
}

// record wraps a session with its operation lock. The lock serializes
// every operation against one handle, including dispose, while
// operations on different handles proceed in parallel.
type record struct {
	mu       sync.Mutex
	session  *Session
	disposed bool
}

// Registry is a thread-safe handle table. The table mutex guards only
// pointer insert/lookup/remove; builder work runs under the per-record
// lock instead, so one slow session never stalls the table.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	next     int64
	sessions map[Handle]*record
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for dispose diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:   slog.Default(),
		sessions: make(map[Handle]*record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create inserts s and returns its new handle. Allocation and
// insertion happen in one critical section, so concurrent creates
// never collide on a handle value.
func (r *Registry) Create(s *Session) Handle {
	if s.Created.IsZero() {
		s.Created = time.Now()
	}

	r.mu.Lock()
	r.next++
	h := Handle(r.next)
	r.sessions[h] = &record{session: s}
	r.mu.Unlock()

	r.logger.Debug("session created", slog.Int64("handle", int64(h)))
	return h
}

// Lookup returns the session for h without taking its operation lock.
// Callers that mutate the builder use WithSession instead.
func (r *Registry) Lookup(h Handle) (*Session, error) {
	rec, err := r.record(h)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.disposed {
		return nil, &HandleError{Handle: h}
	}
	return rec.session, nil
}

// WithSession runs fn while holding h's operation lock. fn must not
// call back into the registry for the same handle.
func (r *Registry) WithSession(h Handle, fn func(*Session) error) error {
	rec, err := r.record(h)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.disposed {
		return &HandleError{Handle: h}
	}
	return fn(rec.session)
}

// Dispose releases h's builder. The first call closes the builder and
// returns its close error, if any; later calls are no-ops returning
// nil. Dispose waits for any in-flight operation on the same handle.
func (r *Registry) Dispose(ctx context.Context, h Handle) error {
	rec, err := r.record(h)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.disposed {
		return nil
	}
	rec.disposed = true

	builder := rec.session.Builder
	rec.session = nil

	if builder == nil {
		return nil
	}
	if err := builder.Close(ctx); err != nil {
		r.logger.Warn("builder close failed",
			slog.Int64("handle", int64(h)), slog.Any("error", err))
		return err
	}
	r.logger.Debug("session disposed", slog.Int64("handle", int64(h)))
	return nil
}

// DisposeAll disposes every live session, best effort. Individual
// close errors are logged and do not stop the teardown; the first one
// is returned.
func (r *Registry) DisposeAll(ctx context.Context) error {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.sessions))
	for h := range r.sessions {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, h := range handles {
		if err := r.Dispose(ctx, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.sessions {
		rec.mu.Lock()
		if !rec.disposed {
			n++
		}
		rec.mu.Unlock()
	}
	return n
}

func (r *Registry) record(h Handle) (*record, error) {
	r.mu.RLock()
	rec, ok := r.sessions[h]
	r.mu.RUnlock()
	if !ok {
		return nil, &HandleError{Handle: h}
	}
	return rec, nil
}
