// Package hostsdk is the embedding surface of the provamark host SDK.
// A Host owns one engine instance, the session registry, the dispatch
// loop, and the signer factory, and exposes the command set both as
// typed methods and as a named-command dispatcher for message-channel
// embeddings.
package hostsdk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/provamark-dev/provamark-host-sdk/bridge"
	"github.com/provamark-dev/provamark-host-sdk/dispatch"
	"github.com/provamark-dev/provamark-host-sdk/engine"
	"github.com/provamark-dev/provamark-host-sdk/keystore"
	"github.com/provamark-dev/provamark-host-sdk/remote"
	"github.com/provamark-dev/provamark-host-sdk/session"
	"github.com/provamark-dev/provamark-host-sdk/signer"
	"github.com/provamark-dev/provamark-host-sdk/tracing"
)

// Host wires an engine to the session registry, dispatch loop,
// callback bridge, and signer factory. One Host serves one embedding
// application for its whole lifetime.
type Host struct {
	eng      engine.Engine
	sessions *session.Registry
	loop     *dispatch.Loop
	sched    *dispatch.Scheduler
	bridge   *bridge.Bridge
	factory  *signer.Factory
	logger   *slog.Logger
	tracer   tracing.Tracer

	minVersion      *semver.Version
	callbackTimeout time.Duration
	remoteClient    *remote.Client
	platformStore   keystore.Store
	hardwareStore   keystore.Store
	consentGate     *keystore.Gate
	ownLoop         bool

	commands   map[string]commandFunc
	middleware []Middleware
	pipeline   Handler
}

// Option configures a Host.
type Option func(*Host) error

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) error {
		if l != nil {
			h.logger = l
		}
		return nil
	}
}

// WithRegistry injects the session registry. Defaults to a fresh one;
// the Host owns whichever it ends up with.
func WithRegistry(r *session.Registry) Option {
	return func(h *Host) error {
		h.sessions = r
		return nil
	}
}

// WithLoop injects an externally owned dispatch loop. The Host will
// not shut it down on Close.
func WithLoop(l *dispatch.Loop) Option {
	return func(h *Host) error {
		h.loop = l
		h.ownLoop = false
		return nil
	}
}

// WithBridge injects the callback bridge. Defaults to one on the
// Host's loop.
func WithBridge(b *bridge.Bridge) Option {
	return func(h *Host) error {
		h.bridge = b
		return nil
	}
}

// WithFactory injects a fully configured signer factory, replacing the
// one the Host would assemble from the other options.
func WithFactory(f *signer.Factory) Option {
	return func(h *Host) error {
		h.factory = f
		return nil
	}
}

// WithRemoteClient wires the signing service client used by remote
// signer configs.
func WithRemoteClient(c *remote.Client) Option {
	return func(h *Host) error {
		h.remoteClient = c
		return nil
	}
}

// WithPlatformStore wires the key store behind platform_key signer
// configs.
func WithPlatformStore(s keystore.Store) Option {
	return func(h *Host) error {
		h.platformStore = s
		return nil
	}
}

// WithHardwareStore wires the key store behind hardware_key signer
// configs.
func WithHardwareStore(s keystore.Store) Option {
	return func(h *Host) error {
		h.hardwareStore = s
		return nil
	}
}

// WithConsentGate wires user consent prompting for keys that require
// it.
func WithConsentGate(g *keystore.Gate) Option {
	return func(h *Host) error {
		h.consentGate = g
		return nil
	}
}

// WithCallbackTimeout bounds how long a callback signer waits for the
// application's reply. Zero keeps the bridge default.
func WithCallbackTimeout(d time.Duration) Option {
	return func(h *Host) error {
		h.callbackTimeout = d
		return nil
	}
}

// WithMinEngineVersion refuses engines older than the given semver at
// construction time.
func WithMinEngineVersion(v string) Option {
	return func(h *Host) error {
		min, err := semver.NewVersion(v)
		if err != nil {
			return fmt.Errorf("parsing minimum engine version %q: %w", v, err)
		}
		h.minVersion = min
		return nil
	}
}

// WithTracer sets the tracer for command spans. Defaults to the global
// tracer.
func WithTracer(t tracing.Tracer) Option {
	return func(h *Host) error {
		if t != nil {
			h.tracer = t
		}
		return nil
	}
}

// WithMiddleware appends command middleware. Middleware runs in
// registration order around every dispatched command, outside the
// built-in recovery.
func WithMiddleware(mw ...Middleware) Option {
	return func(h *Host) error {
		h.middleware = append(h.middleware, mw...)
		return nil
	}
}

// New assembles a Host around eng. The engine must already be open;
// the Host takes ownership and closes it on Close.
func New(ctx context.Context, eng engine.Engine, opts ...Option) (*Host, error) {
	if eng == nil {
		return nil, Errorf(CodeInvalidArgument, "engine is nil")
	}

	h := &Host{
		eng:    eng,
		logger: slog.Default(),
		tracer: tracing.GetTracer(),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, Classify(err)
		}
	}

	if h.loop == nil {
		h.loop = dispatch.NewLoop(dispatch.WithLogger(h.logger))
		h.ownLoop = true
	}
	h.sched = dispatch.NewScheduler(h.loop, dispatch.WithSchedulerLogger(h.logger))
	if h.sessions == nil {
		h.sessions = session.NewRegistry(session.WithLogger(h.logger))
	}
	if h.bridge == nil {
		bridgeOpts := []bridge.Option{bridge.WithLogger(h.logger)}
		if h.callbackTimeout > 0 {
			bridgeOpts = append(bridgeOpts, bridge.WithTimeout(h.callbackTimeout))
		}
		h.bridge = bridge.New(h.loop, bridgeOpts...)
	}
	if h.factory == nil {
		factoryOpts := []signer.FactoryOption{
			signer.WithBridge(h.bridge),
			signer.WithFactoryLogger(h.logger),
		}
		if h.remoteClient != nil {
			factoryOpts = append(factoryOpts, signer.WithRemoteClient(h.remoteClient))
		}
		if h.platformStore != nil {
			factoryOpts = append(factoryOpts, signer.WithPlatformStore(h.platformStore))
		}
		if h.hardwareStore != nil {
			factoryOpts = append(factoryOpts, signer.WithHardwareStore(h.hardwareStore))
		}
		if h.consentGate != nil {
			factoryOpts = append(factoryOpts, signer.WithConsentGate(h.consentGate))
		}
		h.factory = signer.NewFactory(factoryOpts...)
	}
	h.commands = h.commandTable()
	builtin := []Middleware{
		RecoveryMiddleware(h.logger),
		LoggingMiddleware(h.logger),
		TracingMiddleware(h.tracer),
	}
	h.pipeline = chainMiddleware(h.dispatchBase, append(builtin, h.middleware...))

	if h.minVersion != nil {
		if _, err := h.checkEngineVersion(ctx); err != nil {
			h.teardown(ctx)
			return nil, err
		}
	}
	return h, nil
}

// checkEngineVersion fetches the engine version and enforces the
// configured minimum.
func (h *Host) checkEngineVersion(ctx context.Context) (string, error) {
	v, err := h.eng.Version(ctx)
	if err != nil {
		return "", Classify(err)
	}
	if h.minVersion == nil {
		return v, nil
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return "", Errorf(CodeNativeEngineError, "engine reports unparseable version %q", v)
	}
	if parsed.LessThan(h.minVersion) {
		return "", Errorf(CodeNativeEngineError,
			"engine version %s is older than required %s", v, h.minVersion)
	}
	return v, nil
}

// Loop exposes the dispatch loop for embeddings that deliver platform
// messages onto it.
func (h *Host) Loop() *dispatch.Loop {
	return h.loop
}

// Sessions reports the number of live sessions.
func (h *Host) Sessions() int {
	return h.sessions.Len()
}

// RegisterSignInvoker registers the application's callback signer
// target. The returned binding's ID goes into a host_callback signer
// config; closing the binding invalidates that config.
func (h *Host) RegisterSignInvoker(inv bridge.HostInvoker) *bridge.Binding {
	return h.bridge.Register(inv)
}

// SignCallback is the reverse wire call: the application answers a
// sign envelope by callback id. A non-empty errMsg fails the waiting
// sign operation instead.
func (h *Host) SignCallback(callbackID string, signature []byte, errMsg string) error {
	var replyErr error
	if errMsg != "" {
		replyErr = fmt.Errorf("%s", errMsg)
	}
	return Classify(h.bridge.Reply(callbackID, signature, replyErr))
}

// Close disposes every session, waits for scheduled work, closes the
// engine, and shuts down the loop when the Host owns it.
func (h *Host) Close(ctx context.Context) error {
	err := h.teardown(ctx)
	return Classify(err)
}

func (h *Host) teardown(ctx context.Context) error {
	firstErr := h.sessions.DisposeAll(ctx)

	if err := h.sched.Wait(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := h.eng.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if h.ownLoop {
		if err := h.loop.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
