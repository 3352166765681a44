// Package engine defines the contract between the host SDK and a
// content-provenance engine. An Engine verifies and formats manifest
// stores; a Builder accumulates one manifest and signs it into an asset.
//
// Implementations: engine/wazero (production WASM binding) and
// engine/enginetest (in-memory fake for tests).
package engine

import "context"

// SignFunc produces a raw signature over payload. The engine calls it
// back during signing; it may block, so implementations receive the
// signing operation's context.
type SignFunc func(ctx context.Context, payload []byte) ([]byte, error)

// SignerInfo is a fully resolved signer handed to the engine for one
// signing or reserve-size operation.
type SignerInfo struct {
	// Alg is the signature algorithm identifier (es256, ed25519, ...).
	Alg string

	// CertChainPEM is the signing certificate chain, PEM encoded.
	CertChainPEM []byte

	// Reserve is the space to reserve for the signature structure.
	// Zero means the engine computes it from Alg and CertsPEM.
	Reserve int

	// TimestampURL is the RFC 3161 authority to countersign with.
	// Empty disables timestamping.
	TimestampURL string

	// Sign produces the signature over the engine's payload.
	Sign SignFunc
}

// SignResult is the outcome of Builder.Sign.
type SignResult struct {
	// Manifest is the signed manifest store bytes.
	Manifest []byte

	// Asset is the output asset. When embedding is enabled the manifest
	// is carried inside it; otherwise it equals the input asset.
	Asset []byte
}

// Engine is a content-provenance engine instance.
type Engine interface {
	// Version reports the engine version string.
	Version(ctx context.Context) (string, error)

	// ReadManifest verifies the manifest store embedded in asset and
	// returns a JSON report, detailed or summary form. An asset that
	// carries no manifest yields (nil, nil); a malformed store fails
	// with ErrManifestInvalid.
	ReadManifest(ctx context.Context, asset []byte, mime string, detailed bool) ([]byte, error)

	// FormatEmbeddable wraps raw manifest bytes into the embeddable
	// form for the given MIME type. Already embeddable input is
	// returned unchanged.
	FormatEmbeddable(ctx context.Context, mime string, manifest []byte) ([]byte, error)

	// NewBuilder starts a manifest builder from a manifest definition.
	// Malformed JSON fails with ErrManifestInvalid.
	NewBuilder(ctx context.Context, manifestJSON []byte) (Builder, error)

	// NewBuilderFromArchive restores a builder from ToArchive output.
	// Malformed input fails with ErrArchiveInvalid.
	NewBuilderFromArchive(ctx context.Context, archive []byte) (Builder, error)

	// ReserveSize reports the signature space a signer needs. It never
	// invokes info.Sign.
	ReserveSize(ctx context.Context, info SignerInfo) (int, error)

	// LoadSettings applies an engine settings document (canonical JSON).
	LoadSettings(ctx context.Context, doc []byte) error

	// Close releases the engine. The engine is unusable afterwards.
	Close(ctx context.Context) error
}

// Builder accumulates one manifest. Builders are not safe for
// concurrent use; callers serialize access.
type Builder interface {
	// SetIntent declares why the asset exists (created, edited, ...)
	// with an optional IPTC digital source type URI.
	SetIntent(ctx context.Context, intent string, digitalSourceType string) error

	// SetNoEmbed marks the manifest as remote only. Sign then leaves
	// the asset bytes untouched.
	SetNoEmbed(ctx context.Context) error

	// SetRemoteURL records where the manifest will be hosted.
	SetRemoteURL(ctx context.Context, url string) error

	// AddResource attaches labeled resource bytes (thumbnails, ...).
	AddResource(ctx context.Context, uri string, data []byte) error

	// AddIngredient attaches an ingredient asset with an optional
	// ingredient description document.
	AddIngredient(ctx context.Context, asset []byte, mime string, ingredient []byte) error

	// AddAction appends an action assertion from a JSON document.
	AddAction(ctx context.Context, action []byte) error

	// ToArchive serializes the builder state for later restore.
	ToArchive(ctx context.Context) ([]byte, error)

	// Sign signs the accumulated manifest over asset and returns the
	// manifest bytes plus the output asset.
	Sign(ctx context.Context, info SignerInfo, asset []byte, mime string) (*SignResult, error)

	// Close releases builder resources. Safe to call more than once.
	Close(ctx context.Context) error
}
