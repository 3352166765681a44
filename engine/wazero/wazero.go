// Package wazero runs the provamark engine WASM module in process and
// adapts it to the engine interfaces.
//
// The module exports one function per engine operation. Requests and
// results cross the boundary as JSON in guest memory, addressed by a
// packed ptr+len i64; the host writes requests through the guest's
// allocate export. Every result is an envelope with either an ok
// payload or an error kind the binding translates back into the engine
// sentinels. Signing runs through the host_sign host function, so
// private key material never enters guest memory.
package wazero

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/provamark-dev/provamark-host-sdk/engine"
)

// Engine is a provamark engine instance backed by a WASM module. Calls
// into the module are serialized; the guest runs single threaded.
type Engine struct {
	runtime wazero.Runtime
	module  api.Module
	logger  *slog.Logger
	cache   wazero.CompilationCache

	mu         sync.Mutex
	closed     bool
	activeSign engine.SignFunc
	signErr    error
}

var _ engine.Engine = (*Engine)(nil)

// Option configures an Engine before the module is instantiated.
type Option func(*Engine)

// WithLogger routes engine-emitted log records to l.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithCompilationCache reuses compiled machine code across Engine
// instances. Pair with wazero.NewCompilationCacheWithDir to persist
// compilation across process restarts.
func WithCompilationCache(cache wazero.CompilationCache) Option {
	return func(e *Engine) {
		e.cache = cache
	}
}

// New compiles and instantiates the engine module from wasmBytes.
func New(ctx context.Context, wasmBytes []byte, opts ...Option) (*Engine, error) {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}

	cfg := wazero.NewRuntimeConfig()
	if e.cache != nil {
		cfg = cfg.WithCompilationCache(e.cache)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)
	e.runtime = rt

	if err := e.registerHostFunctions(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("registering host functions: %w", err)
	}

	mod, err := rt.Instantiate(ctx, wasmBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiating engine module: %w", err)
	}
	e.module = mod

	if init := mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("initializing engine module: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) registerHostFunctions(ctx context.Context) error {
	_, err := e.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.hostSign),
			[]api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI64}).
		Export("host_sign").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.hostLog),
			[]api.ValueType{api.ValueTypeI64}, nil).
		Export("host_log").
		Instantiate(ctx)
	return err
}

// signResponse is what host_sign writes back to the guest.
type signResponse struct {
	Signature []byte `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
}

// hostSign services the guest's signature request during builder_sign.
// It runs nested inside that call, on the goroutine holding e.mu.
func (e *Engine) hostSign(ctx context.Context, m api.Module, stack []uint64) {
	ptr, length := unpackPtrLen(stack[0])
	reqBytes, ok := m.Memory().Read(ptr, length)
	if !ok {
		e.logger.ErrorContext(ctx, "engine sign request out of memory bounds", "ptr", ptr, "len", length)
		stack[0] = 0
		return
	}

	var req struct {
		Payload []byte `json:"payload"`
	}
	var resp signResponse
	switch {
	case json.Unmarshal(reqBytes, &req) != nil:
		resp.Error = "malformed sign request"
	case e.activeSign == nil:
		resp.Error = "no signing operation in progress"
	default:
		sig, err := e.activeSign(ctx, req.Payload)
		if err != nil {
			e.signErr = err
			resp.Error = err.Error()
		} else {
			resp.Signature = sig
		}
	}

	out, _ := json.Marshal(resp)
	packed, err := writeGuest(ctx, m, out)
	if err != nil {
		e.logger.ErrorContext(ctx, "writing sign response to engine memory failed", "error", err)
		stack[0] = 0
		return
	}
	stack[0] = packed
}

// wireSigner carries the non-callable half of engine.SignerInfo to the
// guest.
type wireSigner struct {
	Alg          string `json:"alg"`
	CertChainPEM []byte `json:"cert_chain"`
	Reserve      int    `json:"reserve"`
	TimestampURL string `json:"tsa_url,omitempty"`
}

func toWireSigner(info engine.SignerInfo) wireSigner {
	return wireSigner{
		Alg:          info.Alg,
		CertChainPEM: info.CertChainPEM,
		Reserve:      info.Reserve,
		TimestampURL: info.TimestampURL,
	}
}

func (e *Engine) Version(ctx context.Context) (string, error) {
	var res struct {
		Version string `json:"version"`
	}
	if err := e.call(ctx, "version", nil, &res); err != nil {
		return "", err
	}
	return res.Version, nil
}

func (e *Engine) ReadManifest(ctx context.Context, asset []byte, mime string, detailed bool) ([]byte, error) {
	req := struct {
		Asset    []byte `json:"asset"`
		MimeType string `json:"mime_type"`
		Detailed bool   `json:"detailed"`
	}{asset, mime, detailed}

	var report json.RawMessage
	if err := e.call(ctx, "read_manifest", req, &report); err != nil {
		return nil, err
	}
	if len(report) == 0 {
		return nil, nil
	}
	return report, nil
}

func (e *Engine) FormatEmbeddable(ctx context.Context, mime string, manifest []byte) ([]byte, error) {
	req := struct {
		MimeType string `json:"mime_type"`
		Manifest []byte `json:"manifest"`
	}{mime, manifest}

	var res struct {
		Manifest []byte `json:"manifest"`
	}
	if err := e.call(ctx, "format_embeddable", req, &res); err != nil {
		return nil, err
	}
	return res.Manifest, nil
}

func (e *Engine) NewBuilder(ctx context.Context, manifestJSON []byte) (engine.Builder, error) {
	req := struct {
		Definition json.RawMessage `json:"definition"`
	}{manifestJSON}

	var res struct {
		Builder uint32 `json:"builder"`
	}
	if err := e.call(ctx, "builder_new", req, &res); err != nil {
		return nil, err
	}
	return &builder{eng: e, id: res.Builder}, nil
}

func (e *Engine) NewBuilderFromArchive(ctx context.Context, archive []byte) (engine.Builder, error) {
	req := struct {
		Archive []byte `json:"archive"`
	}{archive}

	var res struct {
		Builder uint32 `json:"builder"`
	}
	if err := e.call(ctx, "builder_from_archive", req, &res); err != nil {
		return nil, err
	}
	return &builder{eng: e, id: res.Builder}, nil
}

func (e *Engine) ReserveSize(ctx context.Context, info engine.SignerInfo) (int, error) {
	req := struct {
		Signer wireSigner `json:"signer"`
	}{toWireSigner(info)}

	var res struct {
		ReserveSize int `json:"reserve_size"`
	}
	if err := e.call(ctx, "reserve_size", req, &res); err != nil {
		return 0, err
	}
	return res.ReserveSize, nil
}

func (e *Engine) LoadSettings(ctx context.Context, doc []byte) error {
	req := struct {
		Document []byte `json:"document"`
	}{doc}
	return e.call(ctx, "load_settings", req, nil)
}

// Close shuts the runtime down. Outstanding builders become unusable.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.runtime.Close(ctx)
}
