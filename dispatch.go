package hostsdk

import (
	"context"
	"encoding/json"

	"github.com/provamark-dev/provamark-host-sdk/session"
	"github.com/provamark-dev/provamark-host-sdk/settings"
	"github.com/provamark-dev/provamark-host-sdk/signer"
)

// commandFunc executes one named command against a decoded payload.
type commandFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Dispatch runs a named command with a JSON payload and returns the
// JSON result, for message-channel embeddings. Errors are always
// *Error with a stable code. Commands that sign through a callback or
// remote signer park the calling goroutine, so platform channels must
// not dispatch them from the loop goroutine itself.
func (h *Host) Dispatch(ctx context.Context, name string, payload []byte) (json.RawMessage, error) {
	result, err := h.pipeline(ctx, name, payload)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, Errorf(CodeInternalError, "encoding %s result: %v", name, err)
	}
	return out, nil
}

func (h *Host) dispatchBase(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	fn, ok := h.commands[name]
	if !ok {
		return nil, Errorf(CodeInvalidArgument, "unknown command %q", name)
	}
	return fn(ctx, payload)
}

func (h *Host) commandTable() map[string]commandFunc {
	return map[string]commandFunc{
		"getVersion":               h.cmdGetVersion,
		"readManifest":             h.cmdReadManifest,
		"formatEmbeddable":         h.cmdFormatEmbeddable,
		"createSession":            h.cmdCreateSession,
		"createSessionFromArchive": h.cmdCreateSessionFromArchive,
		"sessionSetIntent":         h.cmdSessionSetIntent,
		"sessionSetNoEmbed":        h.cmdSessionSetNoEmbed,
		"sessionSetRemoteUrl":      h.cmdSessionSetRemoteURL,
		"sessionAddResource":       h.cmdSessionAddResource,
		"sessionAddIngredient":     h.cmdSessionAddIngredient,
		"sessionAddAction":         h.cmdSessionAddAction,
		"sessionToArchive":         h.cmdSessionToArchive,
		"sessionSign":              h.cmdSessionSign,
		"sessionDispose":           h.cmdSessionDispose,
		"signerReserveSize":        h.cmdSignerReserveSize,
		"loadSettings":             h.cmdLoadSettings,
		"signCallback":             h.cmdSignCallback,
	}
}

// decode unmarshals a command payload. Empty payloads decode to the
// zero request so parameterless commands accept nil.
func decode[T any](payload json.RawMessage) (*T, error) {
	var req T
	if len(payload) == 0 {
		return &req, nil
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, Errorf(CodeInvalidArgument, "decoding payload: %v", err)
	}
	return &req, nil
}

type handleRequest struct {
	Handle int64 `json:"handle"`
}

type versionResult struct {
	Version string `json:"version"`
}

type handleResult struct {
	Handle int64 `json:"handle"`
}

type archiveResult struct {
	Archive []byte `json:"archive"`
}

type manifestResult struct {
	Manifest []byte `json:"manifest"`
}

type reserveResult struct {
	ReserveSize int `json:"reserveSize"`
}

type signCommandResult struct {
	SignedBytes   []byte `json:"signedBytes"`
	ManifestBytes []byte `json:"manifestBytes,omitempty"`
	ManifestSize  int    `json:"manifestSize"`
}

func (h *Host) cmdGetVersion(ctx context.Context, _ json.RawMessage) (any, error) {
	v, err := h.GetVersion(ctx)
	if err != nil {
		return nil, err
	}
	return versionResult{Version: v}, nil
}

func (h *Host) cmdReadManifest(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		Asset    []byte `json:"asset"`
		MimeType string `json:"mimeType"`
		Detailed bool   `json:"detailed"`
	}](payload)
	if err != nil {
		return nil, err
	}
	report, err := h.ReadManifest(ctx, req.Asset, req.MimeType, req.Detailed)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, nil
	}
	return json.RawMessage(report), nil
}

func (h *Host) cmdFormatEmbeddable(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		MimeType string `json:"mimeType"`
		Manifest []byte `json:"manifest"`
	}](payload)
	if err != nil {
		return nil, err
	}
	out, err := h.FormatEmbeddable(ctx, req.MimeType, req.Manifest)
	if err != nil {
		return nil, err
	}
	return manifestResult{Manifest: out}, nil
}

func (h *Host) cmdCreateSession(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		Manifest json.RawMessage `json:"manifestJson"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if len(req.Manifest) == 0 {
		return nil, Errorf(CodeInvalidArgument, "manifestJson is required")
	}
	handle, err := h.CreateSession(ctx, req.Manifest)
	if err != nil {
		return nil, err
	}
	return handleResult{Handle: int64(handle)}, nil
}

func (h *Host) cmdCreateSessionFromArchive(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		Archive []byte `json:"archive"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if len(req.Archive) == 0 {
		return nil, Errorf(CodeInvalidArgument, "archive is required")
	}
	handle, err := h.CreateSessionFromArchive(ctx, req.Archive)
	if err != nil {
		return nil, err
	}
	return handleResult{Handle: int64(handle)}, nil
}

func (h *Host) cmdSessionSetIntent(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		handleRequest
		Intent            string `json:"intent"`
		DigitalSourceType string `json:"digitalSourceType"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return nil, h.SetIntent(ctx, session.Handle(req.Handle), req.Intent, req.DigitalSourceType)
}

func (h *Host) cmdSessionSetNoEmbed(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[handleRequest](payload)
	if err != nil {
		return nil, err
	}
	return nil, h.SetNoEmbed(ctx, session.Handle(req.Handle))
}

func (h *Host) cmdSessionSetRemoteURL(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		handleRequest
		URL string `json:"url"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return nil, h.SetRemoteURL(ctx, session.Handle(req.Handle), req.URL)
}

func (h *Host) cmdSessionAddResource(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		handleRequest
		URI  string `json:"uri"`
		Data []byte `json:"data"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return nil, h.AddResource(ctx, session.Handle(req.Handle), req.URI, req.Data)
}

func (h *Host) cmdSessionAddIngredient(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		handleRequest
		Asset      []byte          `json:"asset"`
		MimeType   string          `json:"mimeType"`
		Ingredient json.RawMessage `json:"ingredientJson"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return nil, h.AddIngredient(ctx, session.Handle(req.Handle), req.Asset, req.MimeType, req.Ingredient)
}

func (h *Host) cmdSessionAddAction(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		handleRequest
		Action json.RawMessage `json:"actionJson"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if len(req.Action) == 0 {
		return nil, Errorf(CodeInvalidArgument, "actionJson is required")
	}
	return nil, h.AddAction(ctx, session.Handle(req.Handle), req.Action)
}

func (h *Host) cmdSessionToArchive(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[handleRequest](payload)
	if err != nil {
		return nil, err
	}
	archive, err := h.ToArchive(ctx, session.Handle(req.Handle))
	if err != nil {
		return nil, err
	}
	return archiveResult{Archive: archive}, nil
}

func (h *Host) cmdSessionSign(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		handleRequest
		SourceBytes  []byte          `json:"sourceBytes"`
		MimeType     string          `json:"mimeType"`
		SignerConfig json.RawMessage `json:"signerConfig"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if len(req.SignerConfig) == 0 {
		return nil, Errorf(CodeInvalidArgument, "signerConfig is required")
	}
	cfg, err := signer.ParseConfig(req.SignerConfig)
	if err != nil {
		return nil, Classify(err)
	}
	out, err := h.Sign(ctx, session.Handle(req.Handle), req.SourceBytes, req.MimeType, cfg)
	if err != nil {
		return nil, err
	}
	return signCommandResult{
		SignedBytes:   out.SignedAsset,
		ManifestBytes: out.Manifest,
		ManifestSize:  out.ManifestSize,
	}, nil
}

func (h *Host) cmdSessionDispose(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[handleRequest](payload)
	if err != nil {
		return nil, err
	}
	return nil, h.Dispose(ctx, session.Handle(req.Handle))
}

func (h *Host) cmdSignerReserveSize(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		SignerConfig json.RawMessage `json:"signerConfig"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if len(req.SignerConfig) == 0 {
		return nil, Errorf(CodeInvalidArgument, "signerConfig is required")
	}
	cfg, err := signer.ParseConfig(req.SignerConfig)
	if err != nil {
		return nil, Classify(err)
	}
	n, err := h.ReserveSize(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return reserveResult{ReserveSize: n}, nil
}

func (h *Host) cmdLoadSettings(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		SettingsText string `json:"settingsText"`
		Format       string `json:"format"`
	}](payload)
	if err != nil {
		return nil, err
	}
	format, err := settings.ParseFormat(req.Format)
	if err != nil {
		return nil, Classify(err)
	}
	return nil, h.LoadSettings(ctx, []byte(req.SettingsText), format)
}

func (h *Host) cmdSignCallback(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[struct {
		CallbackID string `json:"callbackId"`
		Signature  []byte `json:"signature"`
		Error      string `json:"error"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if req.CallbackID == "" {
		return nil, Errorf(CodeInvalidArgument, "callbackId is required")
	}
	return nil, h.SignCallback(req.CallbackID, req.Signature, req.Error)
}
