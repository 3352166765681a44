package signer

import (
	"context"
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sigstore/sigstore/pkg/cryptoutils"

	"github.com/provamark-dev/provamark-host-sdk/bridge"
	"github.com/provamark-dev/provamark-host-sdk/engine"
	"github.com/provamark-dev/provamark-host-sdk/keystore"
	"github.com/provamark-dev/provamark-host-sdk/remote"
)

const (
	// reserveBase covers COSE framing and claim headroom.
	reserveBase = 1024

	// tsaReserve is added when a timestamp authority will countersign.
	tsaReserve = 4096
)

// Resolved is a signer ready for exactly one operation. It is never
// cached or shared; callers release it with Close on every exit path.
type Resolved struct {
	Algorithm    Algorithm
	CertChainPEM []byte
	Reserve      int
	TimestampURL string

	sign      engine.SignFunc
	closeFn   func() error
	closeOnce sync.Once
	released  atomic.Bool
}

func newResolved(alg Algorithm, certChain []byte, tsaURL string, sign engine.SignFunc, closeFn func() error) *Resolved {
	return &Resolved{
		Algorithm:    alg,
		CertChainPEM: certChain,
		Reserve:      reserveFor(alg, certChain, tsaURL),
		TimestampURL: tsaURL,
		sign:         sign,
		closeFn:      closeFn,
	}
}

// reserveFor bounds the signature box size: raw signature ceiling plus the
// certificate chain and optional timestamp countersignature.
func reserveFor(alg Algorithm, certChain []byte, tsaURL string) int {
	reserve := reserveBase + alg.signatureCeiling() + len(certChain)
	if tsaURL != "" {
		reserve += tsaReserve
	}
	return reserve
}

// Sign produces a signature over payload.
func (r *Resolved) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	if r.released.Load() {
		return nil, ErrReleased
	}
	return r.sign(ctx, payload)
}

// Close releases backend resources. Safe to call more than once; only the
// first call runs the release.
func (r *Resolved) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.released.Store(true)
		if r.closeFn != nil {
			err = r.closeFn()
		}
	})
	return err
}

// Info adapts the resolved signer for the engine boundary.
func (r *Resolved) Info() engine.SignerInfo {
	return engine.SignerInfo{
		Alg:          string(r.Algorithm),
		CertChainPEM: r.CertChainPEM,
		Reserve:      r.Reserve,
		TimestampURL: r.TimestampURL,
		Sign:         r.Sign,
	}
}

// Factory resolves signer configurations against the wired backends.
type Factory struct {
	platform keystore.Store
	hardware keystore.Store
	gate     *keystore.Gate
	bridge   *bridge.Bridge
	remote   *remote.Client
	logger   *slog.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithPlatformStore wires the platform keystore used by platform_key
// configurations.
func WithPlatformStore(s keystore.Store) FactoryOption {
	return func(f *Factory) { f.platform = s }
}

// WithHardwareStore wires the hardware-backed keystore used by
// hardware_key configurations.
func WithHardwareStore(s keystore.Store) FactoryOption {
	return func(f *Factory) { f.hardware = s }
}

// WithConsentGate wires the gate consulted when a configuration sets
// require_user_auth.
func WithConsentGate(g *keystore.Gate) FactoryOption {
	return func(f *Factory) { f.gate = g }
}

// WithBridge wires the callback bridge used by host_callback
// configurations.
func WithBridge(b *bridge.Bridge) FactoryOption {
	return func(f *Factory) { f.bridge = b }
}

// WithRemoteClient wires the signing service client used by
// remote_service configurations.
func WithRemoteClient(c *remote.Client) FactoryOption {
	return func(f *Factory) { f.remote = c }
}

// WithFactoryLogger sets the logger. Default: slog.Default().
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFactory builds a factory. Backends are optional; resolving a
// configuration whose backend is missing fails with ErrUnavailable.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Resolve turns a configuration into a single-use signer. Resolution is
// performed fresh on every call; nothing is cached between operations.
func (f *Factory) Resolve(ctx context.Context, cfg Config) (*Resolved, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrConfigInvalid)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var (
		resolved *Resolved
		err      error
	)
	switch c := cfg.(type) {
	case *Embedded:
		resolved, err = f.resolveEmbedded(c)
	case *PlatformKey:
		resolved, err = f.resolvePlatformKey(ctx, c)
	case *HardwareKey:
		resolved, err = f.resolveHardwareKey(ctx, c)
	case *HostCallback:
		resolved, err = f.resolveHostCallback(c)
	case *RemoteService:
		resolved, err = f.resolveRemote(ctx, c)
	default:
		err = fmt.Errorf("%w: unsupported config %T", ErrConfigInvalid, cfg)
	}
	if err != nil {
		return nil, err
	}

	f.logger.Debug("signer resolved",
		slog.String("kind", string(cfg.Kind())),
		slog.String("algorithm", string(resolved.Algorithm)),
		slog.Int("reserve", resolved.Reserve))
	return resolved, nil
}

func (f *Factory) resolveEmbedded(c *Embedded) (*Resolved, error) {
	key, err := cryptoutils.UnmarshalPEMToPrivateKey([]byte(c.PrivateKeyPEM), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing private_key: %v", ErrConfigInvalid, err)
	}
	cryptoSigner, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: private key type %T cannot sign", ErrConfigInvalid, key)
	}

	sign, err := keySignFunc(c.Algorithm, cryptoSigner)
	if err != nil {
		return nil, err
	}
	return newResolved(c.Algorithm, []byte(c.CertChainPEM), c.TimestampURL, sign, nil), nil
}

func (f *Factory) resolvePlatformKey(ctx context.Context, c *PlatformKey) (*Resolved, error) {
	if f.platform == nil {
		return nil, fmt.Errorf("%w: no platform keystore wired", ErrUnavailable)
	}
	if c.RequireUserAuth {
		if err := f.authorize(ctx, c.KeyAlias); err != nil {
			return nil, err
		}
	}

	key, err := f.platform.Signer(ctx, c.KeyAlias)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	sign, err := keySignFunc(c.Algorithm, key)
	if err != nil {
		return nil, err
	}
	return newResolved(c.Algorithm, []byte(c.CertChainPEM), c.TimestampURL, sign, nil), nil
}

func (f *Factory) resolveHardwareKey(ctx context.Context, c *HardwareKey) (*Resolved, error) {
	if f.hardware == nil {
		return nil, fmt.Errorf("%w: no hardware keystore wired", ErrUnavailable)
	}
	if c.RequireUserAuth {
		if err := f.authorize(ctx, c.KeyAlias); err != nil {
			return nil, err
		}
	}

	key, err := f.hardware.Signer(ctx, c.KeyAlias)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	sign, err := keySignFunc(HardwareAlgorithm, key)
	if err != nil {
		return nil, err
	}
	return newResolved(HardwareAlgorithm, []byte(c.CertChainPEM), c.TimestampURL, sign, nil), nil
}

func (f *Factory) resolveHostCallback(c *HostCallback) (*Resolved, error) {
	if f.bridge == nil {
		return nil, fmt.Errorf("%w: no callback bridge wired", ErrUnavailable)
	}
	binding, ok := f.bridge.Lookup(c.CallbackID)
	if !ok {
		return nil, fmt.Errorf("%w: callback %q is not registered or was released", ErrUnavailable, c.CallbackID)
	}
	return newResolved(c.Algorithm, []byte(c.CertChainPEM), c.TimestampURL, binding.Sign, nil), nil
}

func (f *Factory) resolveRemote(ctx context.Context, c *RemoteService) (*Resolved, error) {
	if f.remote == nil {
		return nil, fmt.Errorf("%w: no signing service client wired", ErrUnavailable)
	}

	doc, err := f.remote.FetchDescriptor(ctx, remote.Endpoint{
		URL:         c.ConfigURL,
		BearerToken: c.BearerToken,
		Headers:     c.Headers,
	})
	if err != nil {
		if errors.Is(err, remote.ErrBadDescriptor) ||
			errors.Is(err, remote.ErrBadEndpoint) ||
			errors.Is(err, remote.ErrHostNotAllowed) {
			return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
		}
		return nil, err
	}

	alg, err := ParseAlgorithm(doc.Algorithm)
	if err != nil {
		return nil, err
	}

	signEndpoint := remote.Endpoint{
		URL:         doc.SignURL,
		BearerToken: c.BearerToken,
		Headers:     c.Headers,
	}
	sign := func(ctx context.Context, payload []byte) ([]byte, error) {
		return f.remote.Sign(ctx, signEndpoint, payload)
	}

	resolved := newResolved(alg, []byte(doc.CertChainPEM), doc.TimestampURL, sign, nil)
	resolved.Reserve = doc.ReserveSize
	return resolved, nil
}

func (f *Factory) authorize(ctx context.Context, alias string) error {
	if f.gate == nil {
		return fmt.Errorf("%w: key use requires consent but no gate is wired", ErrUnavailable)
	}
	if err := f.gate.Authorize(ctx, alias, "sign manifest"); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// keySignFunc builds the digest-then-sign closure for a local key.
func keySignFunc(alg Algorithm, key crypto.Signer) (engine.SignFunc, error) {
	if err := alg.CompatibleKey(key.Public()); err != nil {
		return nil, err
	}
	return func(_ context.Context, payload []byte) ([]byte, error) {
		digest, opts, err := alg.Digest(payload)
		if err != nil {
			return nil, err
		}
		return key.Sign(rand.Reader, digest, opts)
	}, nil
}
