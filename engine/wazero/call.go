package wazero

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/provamark-dev/provamark-host-sdk/engine"
)

// packPtrLen packs a guest pointer and a byte length into the single
// i64 every ABI function exchanges. Pointers and lengths are 32-bit in
// WASM linear memory.
func packPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpackPtrLen(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}

// writeGuest copies data into guest memory through the module's
// allocate export and returns the packed location.
func writeGuest(ctx context.Context, m api.Module, data []byte) (uint64, error) {
	alloc := m.ExportedFunction("allocate")
	if alloc == nil {
		return 0, errors.New("engine module does not export allocate")
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("allocate failed: %w", err)
	}
	ptr := uint32(res[0])
	if !m.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("write of %d bytes at %d is out of memory bounds", len(data), ptr)
	}
	return packPtrLen(ptr, uint32(len(data))), nil
}

// wireError is the error half of the result envelope every engine
// export returns.
type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// decodeEnvelope splits an engine result envelope into its payload,
// translating wire error kinds into the engine sentinels.
func decodeEnvelope(op string, raw []byte) (json.RawMessage, error) {
	var env struct {
		OK  json.RawMessage `json:"ok"`
		Err *wireError      `json:"err"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &engine.CallError{Op: op, Detail: fmt.Sprintf("malformed result envelope: %v", err)}
	}
	if env.Err == nil {
		return env.OK, nil
	}
	switch env.Err.Kind {
	case "manifest_invalid":
		return nil, fmt.Errorf("%w: %s", engine.ErrManifestInvalid, env.Err.Message)
	case "archive_invalid":
		return nil, fmt.Errorf("%w: %s", engine.ErrArchiveInvalid, env.Err.Message)
	default:
		return nil, &engine.CallError{Op: op, Detail: env.Err.Message}
	}
}

// invoke calls one engine export with raw request bytes and returns a
// copy of the raw response bytes. The caller holds e.mu.
func (e *Engine) invoke(ctx context.Context, op string, input []byte) ([]byte, error) {
	fn := e.module.ExportedFunction(op)
	if fn == nil {
		return nil, &engine.CallError{Op: op, Detail: "engine module does not export this operation"}
	}

	var packed uint64
	if len(input) > 0 {
		var err error
		packed, err = writeGuest(ctx, e.module, input)
		if err != nil {
			return nil, &engine.CallError{Op: op, Detail: err.Error()}
		}
	}

	res, err := fn.Call(ctx, packed)
	if err != nil {
		return nil, &engine.CallError{Op: op, Detail: err.Error()}
	}
	if len(res) == 0 || res[0] == 0 {
		return nil, &engine.CallError{Op: op, Detail: "empty result"}
	}

	ptr, length := unpackPtrLen(res[0])
	data, ok := e.module.Memory().Read(ptr, length)
	if !ok {
		return nil, &engine.CallError{Op: op, Detail: fmt.Sprintf("result out of memory bounds: ptr=%d len=%d", ptr, length)}
	}
	out := make([]byte, length)
	copy(out, data)
	return out, nil
}

// call marshals req, invokes op, and unmarshals the envelope payload
// into res. A nil req sends no payload; a nil res discards the payload.
func (e *Engine) call(ctx context.Context, op string, req, res any) error {
	return e.callWithSigner(ctx, op, req, res, nil)
}

// callWithSigner additionally installs sign as the host_sign target for
// the duration of the call. The engine runs single threaded: e.mu
// serializes all guest calls, and host_sign executes nested inside the
// guest call on this same goroutine, which is why activeSign is read
// there without locking.
func (e *Engine) callWithSigner(ctx context.Context, op string, req, res any, sign engine.SignFunc) error {
	var input []byte
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return &engine.CallError{Op: op, Detail: fmt.Sprintf("encoding request: %v", err)}
		}
		input = b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return engine.ErrClosed
	}
	e.activeSign = sign
	e.signErr = nil
	defer func() { e.activeSign, e.signErr = nil, nil }()

	raw, err := e.invoke(ctx, op, input)
	if err != nil {
		return err
	}
	payload, err := decodeEnvelope(op, raw)
	if err != nil {
		// A failure reported by the host's own sign callback keeps its
		// error chain; the guest only saw the message text.
		if e.signErr != nil {
			return fmt.Errorf("%s: %w", op, e.signErr)
		}
		return err
	}
	if res == nil || len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, res); err != nil {
		return &engine.CallError{Op: op, Detail: fmt.Sprintf("decoding result: %v", err)}
	}
	return nil
}
