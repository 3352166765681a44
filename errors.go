package hostsdk

import (
	"errors"
	"fmt"

	"github.com/provamark-dev/provamark-host-sdk/bridge"
	"github.com/provamark-dev/provamark-host-sdk/engine"
	"github.com/provamark-dev/provamark-host-sdk/remote"
	"github.com/provamark-dev/provamark-host-sdk/session"
	"github.com/provamark-dev/provamark-host-sdk/settings"
	"github.com/provamark-dev/provamark-host-sdk/signer"
)

// Code is the stable error class a command reports across the SDK
// boundary. Codes never change meaning between releases; embedders
// switch on them.
type Code string

const (
	CodeInvalidArgument     Code = "InvalidArgument"
	CodeInvalidHandle       Code = "InvalidHandle"
	CodeManifestInvalid     Code = "ManifestInvalid"
	CodeArchiveInvalid      Code = "ArchiveInvalid"
	CodeSignerConfigInvalid Code = "SignerConfigInvalid"
	CodeSignerUnavailable   Code = "SignerUnavailable"
	CodeSignerNetworkError  Code = "SignerNetworkError"
	CodeCallbackBusy        Code = "CallbackBusy"
	CodeCallbackTimeout     Code = "CallbackTimeout"
	CodeCallbackFailed      Code = "CallbackFailed"
	CodeNativeEngineError   Code = "NativeEngineError"
	CodeInternalError       Code = "InternalError"
)

// Error is the classified form every command returns. It wraps the
// underlying cause, so errors.Is still reaches package sentinels.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`

	err error
}

// Errorf builds a classified error from a format string.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrap(code Code, err error) *Error {
	return &Error{Code: code, Message: err.Error(), err: err}
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches any *Error carrying the same code, so tests and embedders
// can compare by class.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf extracts the classified code from err, or empty when err is
// nil or carries no *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Classify maps any SDK-internal error onto its stable code. Already
// classified errors pass through; unrecognized errors become
// InternalError.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case errors.Is(err, session.ErrInvalidHandle):
		return wrap(CodeInvalidHandle, err)
	case errors.Is(err, bridge.ErrCallbackBusy), errors.Is(err, bridge.ErrWaitOnLoop):
		return wrap(CodeCallbackBusy, err)
	case errors.Is(err, bridge.ErrCallbackTimeout):
		return wrap(CodeCallbackTimeout, err)
	case errors.Is(err, bridge.ErrCallbackFailed), errors.Is(err, bridge.ErrUnknownCallback):
		return wrap(CodeCallbackFailed, err)
	case errors.Is(err, signer.ErrConfigInvalid):
		return wrap(CodeSignerConfigInvalid, err)
	case errors.Is(err, signer.ErrUnavailable), errors.Is(err, signer.ErrReleased):
		return wrap(CodeSignerUnavailable, err)
	case errors.Is(err, remote.ErrUnreachable):
		return wrap(CodeSignerNetworkError, err)
	case errors.Is(err, engine.ErrManifestInvalid):
		return wrap(CodeManifestInvalid, err)
	case errors.Is(err, engine.ErrArchiveInvalid):
		return wrap(CodeArchiveInvalid, err)
	case errors.Is(err, settings.ErrInvalidDocument), errors.Is(err, settings.ErrUnknownFormat):
		return wrap(CodeInvalidArgument, err)
	case errors.Is(err, engine.ErrClosed), errors.Is(err, engine.ErrEngineFailure):
		return wrap(CodeNativeEngineError, err)
	default:
		return wrap(CodeInternalError, err)
	}
}
