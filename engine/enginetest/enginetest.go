// Package enginetest provides a deterministic in-memory Engine for
// tests. It implements the full engine contract over a toy container
// format: an embeddable manifest is the store prefixed with "PME1", a
// signed asset is "PMA1" + store length + store + original asset bytes.
package enginetest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/provamark-dev/provamark-host-sdk/engine"
)

const (
	magicEmbeddable = "PME1"
	magicSigned     = "PMA1"

	// DefaultVersion is reported by Version unless overridden.
	DefaultVersion = "1.4.0"
)

// reserve padding applied on top of the per-algorithm ceiling.
const reserveBase = 512

// Engine is the in-memory fake. Safe for concurrent use.
type Engine struct {
	version string

	mu       sync.Mutex
	settings []byte
	closed   bool

	openBuilders atomic.Int32
	overlaps     atomic.Int32
}

// Option configures the fake engine.
type Option func(*Engine)

// WithVersion overrides the reported engine version.
func WithVersion(v string) Option {
	return func(e *Engine) { e.version = v }
}

// New builds a fake engine.
func New(opts ...Option) *Engine {
	e := &Engine{version: DefaultVersion}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OpenBuilders reports builders created and not yet closed. Tests use
// it to catch leaks after dispose paths.
func (e *Engine) OpenBuilders() int {
	return int(e.openBuilders.Load())
}

// Overlaps reports how many builder operations observed another
// operation in flight on the same builder. Serialized callers keep
// this at zero.
func (e *Engine) Overlaps() int {
	return int(e.overlaps.Load())
}

// Settings returns the last settings document applied.
func (e *Engine) Settings() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

func (e *Engine) guard() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return engine.ErrClosed
	}
	return nil
}

// Version reports the fake engine version.
func (e *Engine) Version(context.Context) (string, error) {
	if err := e.guard(); err != nil {
		return "", err
	}
	return e.version, nil
}

// LoadSettings records the canonical settings document.
func (e *Engine) LoadSettings(_ context.Context, doc []byte) error {
	if err := e.guard(); err != nil {
		return err
	}
	if !json.Valid(doc) {
		return &engine.CallError{Op: "load_settings", Detail: "document is not valid JSON"}
	}
	e.mu.Lock()
	e.settings = append([]byte(nil), doc...)
	e.mu.Unlock()
	return nil
}

// FormatEmbeddable prefixes the store with the embeddable magic.
// Already embeddable input is returned unchanged.
func (e *Engine) FormatEmbeddable(_ context.Context, _ string, manifest []byte) ([]byte, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if len(manifest) == 0 {
		return nil, fmt.Errorf("%w: empty manifest bytes", engine.ErrManifestInvalid)
	}
	if bytes.HasPrefix(manifest, []byte(magicEmbeddable)) {
		return manifest, nil
	}
	out := make([]byte, 0, len(magicEmbeddable)+len(manifest))
	out = append(out, magicEmbeddable...)
	return append(out, manifest...), nil
}

// ReadManifest parses the toy signed container. Assets without one
// yield (nil, nil).
func (e *Engine) ReadManifest(_ context.Context, asset []byte, _ string, detailed bool) ([]byte, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	store, rest, ok, err := splitSignedAsset(asset)
	if !ok {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if digestHex(rest) != store.AssetDigest {
		return nil, fmt.Errorf("%w: asset bytes do not match the signed digest", engine.ErrManifestInvalid)
	}

	rep := report{
		ActiveManifest: store.ID,
		Title:          store.title(),
		ClaimGenerator: store.claimGenerator(),
		Intent:         store.Intent,
		SignatureAlg:   store.Alg,
	}
	if detailed {
		rep.Definition = store.Definition
		rep.Actions = store.Actions
		rep.Ingredients = store.Ingredients
		rep.ResourceURIs = store.ResourceURIs
		rep.AssetDigest = store.AssetDigest
		rep.TimestampURL = store.TimestampURL
	}
	return json.Marshal(rep)
}

// ReserveSize computes signature space without invoking info.Sign. A
// caller-provided reserve wins.
func (e *Engine) ReserveSize(_ context.Context, info engine.SignerInfo) (int, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	if info.Reserve > 0 {
		return info.Reserve, nil
	}
	ceiling, err := signatureCeiling(info.Alg)
	if err != nil {
		return 0, err
	}
	reserve := reserveBase + ceiling + len(info.CertChainPEM)
	if info.TimestampURL != "" {
		reserve += 4096
	}
	return reserve, nil
}

// NewBuilder starts a builder from a manifest definition document.
func (e *Engine) NewBuilder(_ context.Context, manifestJSON []byte) (engine.Builder, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	var def map[string]any
	if err := json.Unmarshal(manifestJSON, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrManifestInvalid, err)
	}
	if def == nil {
		return nil, fmt.Errorf("%w: manifest definition must be an object", engine.ErrManifestInvalid)
	}

	e.openBuilders.Add(1)
	return &builder{eng: e, state: builderState{Definition: def, Resources: map[string][]byte{}}}, nil
}

// NewBuilderFromArchive restores a builder serialized by ToArchive.
func (e *Engine) NewBuilderFromArchive(_ context.Context, archive []byte) (engine.Builder, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	var state builderState
	if err := json.Unmarshal(archive, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrArchiveInvalid, err)
	}
	if state.Marker != archiveMarker || state.Definition == nil {
		return nil, fmt.Errorf("%w: not a builder archive", engine.ErrArchiveInvalid)
	}
	state.Marker = ""
	if state.Resources == nil {
		state.Resources = map[string][]byte{}
	}

	e.openBuilders.Add(1)
	return &builder{eng: e, state: state}, nil
}

// Close shuts the fake engine down.
func (e *Engine) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

var _ engine.Engine = (*Engine)(nil)

// manifestStore is the toy wire form of one signed manifest.
type manifestStore struct {
	ID                string            `json:"id"`
	Definition        map[string]any    `json:"definition"`
	Intent            string            `json:"intent,omitempty"`
	DigitalSourceType string            `json:"digital_source_type,omitempty"`
	RemoteURL         string            `json:"remote_url,omitempty"`
	Actions           []json.RawMessage `json:"actions,omitempty"`
	Ingredients       []ingredientEntry `json:"ingredients,omitempty"`
	ResourceURIs      []string          `json:"resource_uris,omitempty"`
	AssetDigest       string            `json:"asset_digest"`
	Alg               string            `json:"alg"`
	CertChainPEM      string            `json:"cert_chain,omitempty"`
	Signature         string            `json:"signature"`
	TimestampURL      string            `json:"timestamp_url,omitempty"`
}

func (s *manifestStore) title() string {
	v, _ := s.Definition["title"].(string)
	return v
}

func (s *manifestStore) claimGenerator() string {
	v, _ := s.Definition["claim_generator"].(string)
	return v
}

type ingredientEntry struct {
	Mime        string          `json:"mime"`
	AssetDigest string          `json:"asset_digest"`
	Document    json.RawMessage `json:"document,omitempty"`
}

type report struct {
	ActiveManifest string            `json:"active_manifest"`
	Title          string            `json:"title,omitempty"`
	ClaimGenerator string            `json:"claim_generator,omitempty"`
	Intent         string            `json:"intent,omitempty"`
	SignatureAlg   string            `json:"signature_alg"`
	Definition     map[string]any    `json:"definition,omitempty"`
	Actions        []json.RawMessage `json:"actions,omitempty"`
	Ingredients    []ingredientEntry `json:"ingredients,omitempty"`
	ResourceURIs   []string          `json:"resource_uris,omitempty"`
	AssetDigest    string            `json:"asset_digest,omitempty"`
	TimestampURL   string            `json:"timestamp_url,omitempty"`
}

// splitSignedAsset returns the parsed store and the trailing original
// asset bytes. ok is false when the asset carries no container at all.
func splitSignedAsset(asset []byte) (*manifestStore, []byte, bool, error) {
	if !bytes.HasPrefix(asset, []byte(magicSigned)) {
		return nil, nil, false, nil
	}
	header := len(magicSigned) + 4
	if len(asset) < header {
		return nil, nil, true, fmt.Errorf("%w: truncated container header", engine.ErrManifestInvalid)
	}
	storeLen := int(binary.BigEndian.Uint32(asset[len(magicSigned):header]))
	if storeLen <= 0 || header+storeLen > len(asset) {
		return nil, nil, true, fmt.Errorf("%w: container length out of range", engine.ErrManifestInvalid)
	}

	var store manifestStore
	if err := json.Unmarshal(asset[header:header+storeLen], &store); err != nil {
		return nil, nil, true, fmt.Errorf("%w: %v", engine.ErrManifestInvalid, err)
	}
	if store.ID == "" || store.Signature == "" {
		return nil, nil, true, fmt.Errorf("%w: store is missing id or signature", engine.ErrManifestInvalid)
	}
	return &store, asset[header+storeLen:], true, nil
}

func digestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

func signatureCeiling(alg string) (int, error) {
	switch alg {
	case "es256":
		return 144, nil
	case "es384":
		return 208, nil
	case "es512":
		return 280, nil
	case "ps256", "ps384", "ps512":
		return 1024, nil
	case "ed25519":
		return 128, nil
	default:
		return 0, &engine.CallError{Op: "reserve_size", Detail: "unknown algorithm " + alg}
	}
}
