package enginetest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/provamark-dev/provamark-host-sdk/engine"
)

const archiveMarker = "provamark-builder-archive/1"

// builderState is everything a builder accumulates. It doubles as the
// archive document, with Marker set only in serialized form.
type builderState struct {
	Marker            string            `json:"archive,omitempty"`
	Definition        map[string]any    `json:"definition"`
	Intent            string            `json:"intent,omitempty"`
	DigitalSourceType string            `json:"digital_source_type,omitempty"`
	NoEmbed           bool              `json:"no_embed,omitempty"`
	RemoteURL         string            `json:"remote_url,omitempty"`
	Resources         map[string][]byte `json:"resources,omitempty"`
	Ingredients       []ingredientEntry `json:"ingredients,omitempty"`
	Actions           []json.RawMessage `json:"actions,omitempty"`
}

type builder struct {
	eng    *Engine
	state  builderState
	closed bool

	// inFlight trips the engine overlap counter when two operations
	// run on the same builder at once.
	inFlight atomic.Bool
}

func (b *builder) enter() func() {
	if !b.inFlight.CompareAndSwap(false, true) {
		b.eng.overlaps.Add(1)
		return func() {}
	}
	return func() { b.inFlight.Store(false) }
}

func (b *builder) guard() error {
	if b.closed {
		return engine.ErrClosed
	}
	return b.eng.guard()
}

func (b *builder) SetIntent(_ context.Context, intent, digitalSourceType string) error {
	defer b.enter()()
	if err := b.guard(); err != nil {
		return err
	}
	if intent == "" {
		return &engine.CallError{Op: "set_intent", Detail: "empty intent"}
	}
	b.state.Intent = intent
	b.state.DigitalSourceType = digitalSourceType
	return nil
}

func (b *builder) SetNoEmbed(_ context.Context) error {
	defer b.enter()()
	if err := b.guard(); err != nil {
		return err
	}
	b.state.NoEmbed = true
	return nil
}

func (b *builder) SetRemoteURL(_ context.Context, url string) error {
	defer b.enter()()
	if err := b.guard(); err != nil {
		return err
	}
	b.state.RemoteURL = url
	return nil
}

func (b *builder) AddResource(_ context.Context, uri string, data []byte) error {
	defer b.enter()()
	if err := b.guard(); err != nil {
		return err
	}
	if uri == "" {
		return &engine.CallError{Op: "add_resource", Detail: "empty resource uri"}
	}
	b.state.Resources[uri] = append([]byte(nil), data...)
	return nil
}

func (b *builder) AddIngredient(_ context.Context, asset []byte, mime string, ingredient []byte) error {
	defer b.enter()()
	if err := b.guard(); err != nil {
		return err
	}
	var doc json.RawMessage
	if len(ingredient) > 0 {
		if !json.Valid(ingredient) {
			return fmt.Errorf("%w: ingredient document is not valid JSON", engine.ErrManifestInvalid)
		}
		doc = append(json.RawMessage(nil), ingredient...)
	}
	b.state.Ingredients = append(b.state.Ingredients, ingredientEntry{
		Mime:        mime,
		AssetDigest: digestHex(asset),
		Document:    doc,
	})
	return nil
}

func (b *builder) AddAction(_ context.Context, actionJSON []byte) error {
	defer b.enter()()
	if err := b.guard(); err != nil {
		return err
	}
	if !json.Valid(actionJSON) {
		return fmt.Errorf("%w: action document is not valid JSON", engine.ErrManifestInvalid)
	}
	b.state.Actions = append(b.state.Actions, append(json.RawMessage(nil), actionJSON...))
	return nil
}

func (b *builder) ToArchive(_ context.Context) ([]byte, error) {
	defer b.enter()()
	if err := b.guard(); err != nil {
		return nil, err
	}
	state := b.state
	state.Marker = archiveMarker
	out, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrArchiveInvalid, err)
	}
	return out, nil
}

// Sign builds the claim, calls info.Sign over it, and assembles the
// toy container. The builder stays usable afterwards.
func (b *builder) Sign(ctx context.Context, info engine.SignerInfo, asset []byte, mime string) (*engine.SignResult, error) {
	defer b.enter()()
	if err := b.guard(); err != nil {
		return nil, err
	}
	if info.Sign == nil {
		return nil, &engine.CallError{Op: "sign", Detail: "signer info has no sign function"}
	}

	claim, id := b.claim(mime, asset)
	sig, err := info.Sign(ctx, claim)
	if err != nil {
		return nil, fmt.Errorf("signing claim: %w", err)
	}

	reserve := info.Reserve
	if reserve == 0 {
		if reserve, err = b.eng.ReserveSize(ctx, info); err != nil {
			return nil, err
		}
	}
	if len(sig) > reserve {
		return nil, &engine.CallError{
			Op:     "sign",
			Detail: fmt.Sprintf("signature of %d bytes exceeds reserve of %d", len(sig), reserve),
		}
	}

	store := manifestStore{
		ID:                id,
		Definition:        b.state.Definition,
		Intent:            b.state.Intent,
		DigitalSourceType: b.state.DigitalSourceType,
		RemoteURL:         b.state.RemoteURL,
		Actions:           b.state.Actions,
		Ingredients:       b.state.Ingredients,
		ResourceURIs:      b.resourceURIs(),
		AssetDigest:       digestHex(asset),
		Alg:               info.Alg,
		CertChainPEM:      string(info.CertChainPEM),
		Signature:         encodeSignature(sig),
		TimestampURL:      info.TimestampURL,
	}
	storeJSON, err := json.Marshal(store)
	if err != nil {
		return nil, &engine.CallError{Op: "sign", Detail: err.Error()}
	}

	manifest := make([]byte, 0, len(magicEmbeddable)+len(storeJSON))
	manifest = append(manifest, magicEmbeddable...)
	manifest = append(manifest, storeJSON...)

	result := &engine.SignResult{Manifest: manifest}
	if b.state.NoEmbed {
		result.Asset = append([]byte(nil), asset...)
		return result, nil
	}

	signed := make([]byte, 0, len(magicSigned)+4+len(storeJSON)+len(asset))
	signed = append(signed, magicSigned...)
	signed = binary.BigEndian.AppendUint32(signed, uint32(len(storeJSON)))
	signed = append(signed, storeJSON...)
	signed = append(signed, asset...)
	result.Asset = signed
	return result, nil
}

func (b *builder) Close(context.Context) error {
	defer b.enter()()
	if b.closed {
		return nil
	}
	b.closed = true
	b.eng.openBuilders.Add(-1)
	return nil
}

var _ engine.Builder = (*builder)(nil)

// claim is the deterministic byte string handed to the signer. The id
// derives from it, so identical builder state and asset sign to the
// same id every time.
func (b *builder) claim(mime string, asset []byte) ([]byte, string) {
	doc := struct {
		Definition  map[string]any    `json:"definition"`
		Intent      string            `json:"intent,omitempty"`
		Mime        string            `json:"mime"`
		AssetDigest string            `json:"asset_digest"`
		Actions     []json.RawMessage `json:"actions,omitempty"`
	}{
		Definition:  b.state.Definition,
		Intent:      b.state.Intent,
		Mime:        mime,
		AssetDigest: digestHex(asset),
	}
	doc.Actions = b.state.Actions

	claim, _ := json.Marshal(doc)
	return claim, "urn:provamark:manifest:" + digestHex(claim)[:16]
}

func (b *builder) resourceURIs() []string {
	if len(b.state.Resources) == 0 {
		return nil
	}
	uris := make([]string, 0, len(b.state.Resources))
	for uri := range b.state.Resources {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}
