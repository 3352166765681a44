// Package bridge reconciles the engine's synchronous sign call with
// asynchronous host-side signing logic. A worker goroutine running an
// engine sign parks on a single result slot while the application,
// invoked on the dispatch loop, produces the signature at its own
// pace. Waits are bounded by a timeout and a binding never has more
// than one slot outstanding.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/provamark-dev/provamark-host-sdk/dispatch"
)

// DefaultTimeout bounds how long a worker parks waiting for a reply.
const DefaultTimeout = 30 * time.Second

// Envelope is one signing request delivered to the application.
type Envelope struct {
	// CallbackID identifies this request; replies must carry it.
	CallbackID string

	// Payload is the exact byte sequence to sign.
	Payload []byte
}

// ReplyFunc delivers the application's answer for one envelope. It is
// safe to call from any goroutine, once; later calls are ignored.
type ReplyFunc func(signature []byte, err error)

// HostInvoker receives sign envelopes on the dispatch loop. The
// application either computes the signature synchronously and calls
// reply before returning, or captures reply and calls it later.
type HostInvoker interface {
	InvokeSign(env Envelope, reply ReplyFunc)

	// Alive reports whether the invoker can still accept envelopes.
	// Dead invokers fail the sign instead of receiving it.
	Alive() bool
}

// InvokerFunc adapts a function to HostInvoker. It is alive while
// non-nil.
type InvokerFunc func(env Envelope, reply ReplyFunc)

func (f InvokerFunc) InvokeSign(env Envelope, reply ReplyFunc) { f(env, reply) }

func (f InvokerFunc) Alive() bool { return f != nil }

// Bridge routes sign envelopes to registered invokers and parks the
// requesting workers until a reply, a timeout, or context expiry.
type Bridge struct {
	loop    *dispatch.Loop
	logger  *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	bindings map[string]*Binding
	waits    map[string]*slot
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout bounds the wait for each reply.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the logger for dropped replies and invoker faults.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New returns a bridge delivering envelopes on loop.
func New(loop *dispatch.Loop, opts ...Option) *Bridge {
	b := &Bridge{
		loop:     loop,
		logger:   slog.Default(),
		timeout:  DefaultTimeout,
		bindings: make(map[string]*Binding),
		waits:    make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds an invoker and returns its binding. The bridge holds
// the invoker only through the binding table; Close releases it.
func (b *Bridge) Register(invoker HostInvoker) *Binding {
	bnd := &Binding{
		id:      uuid.NewString(),
		bridge:  b,
		invoker: invoker,
	}
	b.mu.Lock()
	b.bindings[bnd.id] = bnd
	b.mu.Unlock()
	return bnd
}

// Reply completes the pending wait for callbackID. A reply for an
// unknown, expired, or already answered callback returns
// ErrUnknownCallback.
func (b *Bridge) Reply(callbackID string, signature []byte, err error) error {
	b.mu.Lock()
	s, ok := b.waits[callbackID]
	if ok {
		delete(b.waits, callbackID)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCallback, callbackID)
	}

	if err != nil {
		err = &CallbackError{CallbackID: callbackID, Err: err}
	}
	if !s.complete(signature, err) {
		b.logger.Debug("reply arrived after wait ended", slog.String("callback_id", callbackID))
		return fmt.Errorf("%w: %s", ErrUnknownCallback, callbackID)
	}
	return nil
}

// Lookup returns the binding registered under id, if it is still
// live. Configs reference bindings by id rather than by pointer, so a
// released binding simply stops resolving.
func (b *Bridge) Lookup(id string) (*Binding, bool) {
	bnd := b.lookup(id)
	return bnd, bnd != nil
}

func (b *Bridge) lookup(bindingID string) *Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bindings[bindingID]
}

func (b *Bridge) addWait(callbackID string, s *slot) {
	b.mu.Lock()
	b.waits[callbackID] = s
	b.mu.Unlock()
}

func (b *Bridge) dropWait(callbackID string) {
	b.mu.Lock()
	delete(b.waits, callbackID)
	b.mu.Unlock()
}

// Binding is one registered invoker. The engine side keeps only the
// binding id; every sign resolves it through the bridge table, so a
// closed binding fails the sign instead of reaching a dead target.
type Binding struct {
	id      string
	bridge  *Bridge
	invoker HostInvoker

	busy   atomic.Bool
	closed atomic.Bool
}

// ID returns the binding identifier.
func (bn *Binding) ID() string { return bn.id }

// Close unregisters the binding. Safe to call more than once. An
// in-flight sign whose envelope has not yet been delivered fails with
// ErrCallbackFailed.
func (bn *Binding) Close() error {
	if !bn.closed.CompareAndSwap(false, true) {
		return nil
	}
	bn.bridge.mu.Lock()
	delete(bn.bridge.bindings, bn.id)
	bn.bridge.mu.Unlock()
	return nil
}

// Sign delivers payload to the invoker and parks until the reply, the
// bridge timeout, or ctx expiry. It fails fast with ErrCallbackBusy
// while a previous sign on this binding is outstanding, and with
// ErrWaitOnLoop when called from the dispatch loop goroutine.
func (bn *Binding) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	if dispatch.FromContext(ctx) == bn.bridge.loop {
		return nil, ErrWaitOnLoop
	}
	if bn.closed.Load() {
		return nil, &CallbackError{CallbackID: bn.id, Err: errors.New("binding closed")}
	}
	if !bn.busy.CompareAndSwap(false, true) {
		return nil, ErrCallbackBusy
	}
	defer bn.busy.Store(false)

	callbackID := uuid.NewString()
	s := newSlot()
	b := bn.bridge
	b.addWait(callbackID, s)
	defer b.dropWait(callbackID)

	reply := func(signature []byte, err error) {
		if replyErr := b.Reply(callbackID, signature, err); replyErr != nil {
			b.logger.Debug("discarding duplicate or late reply",
				slog.String("callback_id", callbackID))
		}
	}

	env := Envelope{CallbackID: callbackID, Payload: payload}
	postErr := b.loop.Post(func(context.Context) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("sign invoker panicked",
					slog.String("callback_id", callbackID), slog.Any("panic", r))
				reply(nil, fmt.Errorf("invoker panic: %v", r))
			}
		}()

		target := b.lookup(bn.id)
		if target == nil || !target.invoker.Alive() {
			reply(nil, errors.New("callback target released"))
			return
		}
		target.invoker.InvokeSign(env, reply)
	})
	if postErr != nil {
		return nil, &CallbackError{CallbackID: callbackID, Err: postErr}
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case r := <-s.ch:
		return r.signature, r.err
	case <-timer.C:
		if s.consume() {
			return nil, fmt.Errorf("%w after %s", ErrCallbackTimeout, b.timeout)
		}
		r := <-s.ch
		return r.signature, r.err
	case <-ctx.Done():
		if s.consume() {
			return nil, fmt.Errorf("callback wait: %w", ctx.Err())
		}
		r := <-s.ch
		return r.signature, r.err
	}
}

type result struct {
	signature []byte
	err       error
}

// slot is a single-use result mailbox. Exactly one of complete or
// consume wins; the loser's value is dropped.
type slot struct {
	ch   chan result
	done atomic.Bool
}

func newSlot() *slot {
	return &slot{ch: make(chan result, 1)}
}

func (s *slot) complete(signature []byte, err error) bool {
	if !s.done.CompareAndSwap(false, true) {
		return false
	}
	s.ch <- result{signature: signature, err: err}
	return true
}

func (s *slot) consume() bool {
	return s.done.CompareAndSwap(false, true)
}
