package hostsdk

import (
	"context"
	"log/slog"

	"github.com/provamark-dev/provamark-host-sdk/dispatch"
	"github.com/provamark-dev/provamark-host-sdk/session"
	"github.com/provamark-dev/provamark-host-sdk/settings"
	"github.com/provamark-dev/provamark-host-sdk/signer"
)

// SignOutput is the result of a session sign.
type SignOutput struct {
	// SignedAsset is the output asset: the input with the manifest
	// embedded, or the unchanged input for no-embed sessions.
	SignedAsset []byte

	// Manifest is the signed manifest store, also returned separately
	// for remote hosting.
	Manifest []byte

	// ManifestSize is len(Manifest), reported so embedders can size
	// buffers without copying.
	ManifestSize int
}

// GetVersion reports the engine version after enforcing the configured
// minimum.
func (h *Host) GetVersion(ctx context.Context) (string, error) {
	return h.checkEngineVersion(ctx)
}

// ReadManifest verifies and reads the manifest store embedded in
// asset. Assets without one yield (nil, nil).
func (h *Host) ReadManifest(ctx context.Context, asset []byte, mime string, detailed bool) ([]byte, error) {
	report, err := h.eng.ReadManifest(ctx, asset, mime, detailed)
	return report, Classify(err)
}

// FormatEmbeddable wraps manifest bytes into the embeddable form for a
// MIME type. Idempotent on already embeddable input.
func (h *Host) FormatEmbeddable(ctx context.Context, mime string, manifest []byte) ([]byte, error) {
	out, err := h.eng.FormatEmbeddable(ctx, mime, manifest)
	return out, Classify(err)
}

// CreateSession builds a manifest builder from a manifest definition
// and registers it under a fresh handle.
func (h *Host) CreateSession(ctx context.Context, manifestJSON []byte) (session.Handle, error) {
	b, err := h.eng.NewBuilder(ctx, manifestJSON)
	if err != nil {
		return 0, Classify(err)
	}
	return h.sessions.Create(&session.Session{Builder: b}), nil
}

// CreateSessionFromArchive restores a builder from archive bytes and
// registers it under a fresh handle.
func (h *Host) CreateSessionFromArchive(ctx context.Context, archive []byte) (session.Handle, error) {
	b, err := h.eng.NewBuilderFromArchive(ctx, archive)
	if err != nil {
		return 0, Classify(err)
	}
	return h.sessions.Create(&session.Session{Builder: b}), nil
}

// SetIntent declares the session's capture or edit intent with an
// optional IPTC digital source type.
func (h *Host) SetIntent(ctx context.Context, handle session.Handle, intent, digitalSourceType string) error {
	if intent == "" {
		return Errorf(CodeInvalidArgument, "intent must not be empty")
	}
	return Classify(h.sessions.WithSession(handle, func(s *session.Session) error {
		return s.Builder.SetIntent(ctx, intent, digitalSourceType)
	}))
}

// SetNoEmbed marks the session's manifest as remote-only.
func (h *Host) SetNoEmbed(ctx context.Context, handle session.Handle) error {
	return Classify(h.sessions.WithSession(handle, func(s *session.Session) error {
		return s.Builder.SetNoEmbed(ctx)
	}))
}

// SetRemoteURL records where the manifest will be hosted.
func (h *Host) SetRemoteURL(ctx context.Context, handle session.Handle, url string) error {
	if url == "" {
		return Errorf(CodeInvalidArgument, "url must not be empty")
	}
	return Classify(h.sessions.WithSession(handle, func(s *session.Session) error {
		return s.Builder.SetRemoteURL(ctx, url)
	}))
}

// AddResource attaches labeled resource bytes to the session.
func (h *Host) AddResource(ctx context.Context, handle session.Handle, uri string, data []byte) error {
	if uri == "" {
		return Errorf(CodeInvalidArgument, "resource uri must not be empty")
	}
	return Classify(h.sessions.WithSession(handle, func(s *session.Session) error {
		return s.Builder.AddResource(ctx, uri, data)
	}))
}

// AddIngredient attaches an ingredient asset with an optional
// ingredient description document.
func (h *Host) AddIngredient(ctx context.Context, handle session.Handle, asset []byte, mime string, ingredientJSON []byte) error {
	return Classify(h.sessions.WithSession(handle, func(s *session.Session) error {
		return s.Builder.AddIngredient(ctx, asset, mime, ingredientJSON)
	}))
}

// AddAction appends an action assertion to the session.
func (h *Host) AddAction(ctx context.Context, handle session.Handle, actionJSON []byte) error {
	return Classify(h.sessions.WithSession(handle, func(s *session.Session) error {
		return s.Builder.AddAction(ctx, actionJSON)
	}))
}

// ToArchive serializes the session's builder state.
func (h *Host) ToArchive(ctx context.Context, handle session.Handle) ([]byte, error) {
	var archive []byte
	err := h.sessions.WithSession(handle, func(s *session.Session) error {
		var aerr error
		archive, aerr = s.Builder.ToArchive(ctx)
		return aerr
	})
	if err != nil {
		return nil, Classify(err)
	}
	return archive, nil
}

// Sign resolves the signer config, signs the session's manifest over
// asset under the session lock, and releases the resolved signer on
// every exit path. It blocks the calling goroutine; callback and
// remote signers must not be driven from the dispatch loop itself.
func (h *Host) Sign(ctx context.Context, handle session.Handle, asset []byte, mime string, cfg signer.Config) (*SignOutput, error) {
	out, err := h.sign(ctx, handle, asset, mime, cfg)
	return out, Classify(err)
}

// SignAsync applies the scheduling policy: local key variants run
// inline, callback and remote variants on a worker goroutine with the
// classified result delivered to done on the dispatch loop. A
// loop-driven caller stays responsive while the worker parks.
func (h *Host) SignAsync(ctx context.Context, handle session.Handle, asset []byte, mime string, cfg signer.Config, done func(*SignOutput, error)) {
	if needsWorker(cfg) {
		dispatch.Async(h.sched, ctx, func(ctx context.Context) (*SignOutput, error) {
			return h.sign(ctx, handle, asset, mime, cfg)
		}, func(out *SignOutput, err error) {
			done(out, Classify(err))
		})
		return
	}
	out, err := h.sign(ctx, handle, asset, mime, cfg)
	done(out, Classify(err))
}

// needsWorker reports whether the signer variant parks while waiting
// on the application or the network.
func needsWorker(cfg signer.Config) bool {
	if cfg == nil {
		return false
	}
	switch cfg.Kind() {
	case signer.KindHostCallback, signer.KindRemoteService:
		return true
	default:
		return false
	}
}

func (h *Host) sign(ctx context.Context, handle session.Handle, asset []byte, mime string, cfg signer.Config) (*SignOutput, error) {
	// Remote resolution is awaited before the session lock is taken,
	// so a slow descriptor fetch never blocks other work on the handle.
	resolved, err := h.factory.Resolve(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resolved.Close(); cerr != nil {
			h.logger.Warn("signer release failed", slog.Any("error", cerr))
		}
	}()

	var out *SignOutput
	err = h.sessions.WithSession(handle, func(s *session.Session) error {
		res, signErr := s.Builder.Sign(ctx, resolved.Info(), asset, mime)
		if signErr != nil {
			return signErr
		}
		out = &SignOutput{
			SignedAsset:  res.Asset,
			Manifest:     res.Manifest,
			ManifestSize: len(res.Manifest),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Dispose releases the session. Disposing twice is a no-op.
func (h *Host) Dispose(ctx context.Context, handle session.Handle) error {
	return Classify(h.sessions.Dispose(ctx, handle))
}

// ReserveSize resolves the signer config far enough to compute the
// signature reserve without signing. The resolved signer is released
// before returning.
func (h *Host) ReserveSize(ctx context.Context, cfg signer.Config) (int, error) {
	resolved, err := h.factory.Resolve(ctx, cfg)
	if err != nil {
		return 0, Classify(err)
	}
	defer func() {
		if cerr := resolved.Close(); cerr != nil {
			h.logger.Warn("signer release failed", slog.Any("error", cerr))
		}
	}()

	n, err := h.eng.ReserveSize(ctx, resolved.Info())
	return n, Classify(err)
}

// LoadSettings validates a settings document and applies its canonical
// form to the engine.
func (h *Host) LoadSettings(ctx context.Context, text []byte, format settings.Format) error {
	doc, err := settings.Load(text, format)
	if err != nil {
		return Classify(err)
	}
	return Classify(h.eng.LoadSettings(ctx, doc))
}
