package wazero

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/provamark-dev/provamark-host-sdk/engine"
)

// builder drives one guest-side manifest builder, addressed by the id
// the guest returned from builder_new. The host serializes access per
// builder; the engine mutex serializes calls across builders.
type builder struct {
	eng    *Engine
	id     uint32
	closed atomic.Bool
}

var _ engine.Builder = (*builder)(nil)

type builderRequest struct {
	Builder uint32 `json:"builder"`
}

func (b *builder) guard() error {
	if b.closed.Load() {
		return engine.ErrClosed
	}
	return nil
}

func (b *builder) SetIntent(ctx context.Context, intent, digitalSourceType string) error {
	if err := b.guard(); err != nil {
		return err
	}
	req := struct {
		builderRequest
		Intent            string `json:"intent"`
		DigitalSourceType string `json:"digital_source_type,omitempty"`
	}{builderRequest{b.id}, intent, digitalSourceType}
	return b.eng.call(ctx, "builder_set_intent", req, nil)
}

func (b *builder) SetNoEmbed(ctx context.Context) error {
	if err := b.guard(); err != nil {
		return err
	}
	return b.eng.call(ctx, "builder_set_no_embed", builderRequest{b.id}, nil)
}

func (b *builder) SetRemoteURL(ctx context.Context, url string) error {
	if err := b.guard(); err != nil {
		return err
	}
	req := struct {
		builderRequest
		URL string `json:"url"`
	}{builderRequest{b.id}, url}
	return b.eng.call(ctx, "builder_set_remote_url", req, nil)
}

func (b *builder) AddResource(ctx context.Context, uri string, data []byte) error {
	if err := b.guard(); err != nil {
		return err
	}
	req := struct {
		builderRequest
		URI  string `json:"uri"`
		Data []byte `json:"data"`
	}{builderRequest{b.id}, uri, data}
	return b.eng.call(ctx, "builder_add_resource", req, nil)
}

func (b *builder) AddIngredient(ctx context.Context, asset []byte, mime string, ingredient []byte) error {
	if err := b.guard(); err != nil {
		return err
	}
	req := struct {
		builderRequest
		Asset      []byte          `json:"asset"`
		MimeType   string          `json:"mime_type"`
		Ingredient json.RawMessage `json:"ingredient,omitempty"`
	}{builderRequest{b.id}, asset, mime, ingredient}
	return b.eng.call(ctx, "builder_add_ingredient", req, nil)
}

func (b *builder) AddAction(ctx context.Context, action []byte) error {
	if err := b.guard(); err != nil {
		return err
	}
	req := struct {
		builderRequest
		Action json.RawMessage `json:"action"`
	}{builderRequest{b.id}, action}
	return b.eng.call(ctx, "builder_add_action", req, nil)
}

func (b *builder) ToArchive(ctx context.Context) ([]byte, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	var res struct {
		Archive []byte `json:"archive"`
	}
	if err := b.eng.call(ctx, "builder_to_archive", builderRequest{b.id}, &res); err != nil {
		return nil, err
	}
	return res.Archive, nil
}

func (b *builder) Sign(ctx context.Context, info engine.SignerInfo, asset []byte, mime string) (*engine.SignResult, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	req := struct {
		builderRequest
		Signer   wireSigner `json:"signer"`
		Asset    []byte     `json:"asset"`
		MimeType string     `json:"mime_type"`
	}{builderRequest{b.id}, toWireSigner(info), asset, mime}

	var res struct {
		Manifest []byte `json:"manifest"`
		Asset    []byte `json:"asset"`
	}
	if err := b.eng.callWithSigner(ctx, "builder_sign", req, &res, info.Sign); err != nil {
		return nil, err
	}
	return &engine.SignResult{Manifest: res.Manifest, Asset: res.Asset}, nil
}

func (b *builder) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.eng.call(ctx, "builder_close", builderRequest{b.id}, nil)
}
