package hostsdk_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hostsdk "github.com/provamark-dev/provamark-host-sdk"
	"github.com/provamark-dev/provamark-host-sdk/bridge"
	"github.com/provamark-dev/provamark-host-sdk/engine"
	"github.com/provamark-dev/provamark-host-sdk/remote"
	"github.com/provamark-dev/provamark-host-sdk/session"
	"github.com/provamark-dev/provamark-host-sdk/settings"
	"github.com/provamark-dev/provamark-host-sdk/signer"
)

func Test_Classify_SentinelTable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want hostsdk.Code
	}{
		{"invalid handle", session.ErrInvalidHandle, hostsdk.CodeInvalidHandle},
		{"callback busy", bridge.ErrCallbackBusy, hostsdk.CodeCallbackBusy},
		{"wait on loop", bridge.ErrWaitOnLoop, hostsdk.CodeCallbackBusy},
		{"callback timeout", bridge.ErrCallbackTimeout, hostsdk.CodeCallbackTimeout},
		{"callback failed", bridge.ErrCallbackFailed, hostsdk.CodeCallbackFailed},
		{"unknown callback", bridge.ErrUnknownCallback, hostsdk.CodeCallbackFailed},
		{"signer config", signer.ErrConfigInvalid, hostsdk.CodeSignerConfigInvalid},
		{"signer unavailable", signer.ErrUnavailable, hostsdk.CodeSignerUnavailable},
		{"signer released", signer.ErrReleased, hostsdk.CodeSignerUnavailable},
		{"remote unreachable", remote.ErrUnreachable, hostsdk.CodeSignerNetworkError},
		{"manifest invalid", engine.ErrManifestInvalid, hostsdk.CodeManifestInvalid},
		{"archive invalid", engine.ErrArchiveInvalid, hostsdk.CodeArchiveInvalid},
		{"settings document", settings.ErrInvalidDocument, hostsdk.CodeInvalidArgument},
		{"settings format", settings.ErrUnknownFormat, hostsdk.CodeInvalidArgument},
		{"engine closed", engine.ErrClosed, hostsdk.CodeNativeEngineError},
		{"engine failure", engine.ErrEngineFailure, hostsdk.CodeNativeEngineError},
		{"engine call", &engine.CallError{Op: "sign", Detail: "boom"}, hostsdk.CodeNativeEngineError},
		{"unknown", errors.New("something else"), hostsdk.CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := hostsdk.Classify(tt.err)
			require.Error(t, got)
			assert.Equal(t, tt.want, hostsdk.CodeOf(got))

			// Wrapping must not change the classification.
			wrapped := hostsdk.Classify(fmt.Errorf("sign session 7: %w", tt.err))
			assert.Equal(t, tt.want, hostsdk.CodeOf(wrapped))
		})
	}
}

func Test_Classify_Nil(t *testing.T) {
	assert.NoError(t, hostsdk.Classify(nil))
}

func Test_Classify_PassesThroughClassified(t *testing.T) {
	orig := hostsdk.Errorf(hostsdk.CodeManifestInvalid, "definition is not an object")

	got := hostsdk.Classify(orig)
	assert.Same(t, orig, got)

	// Even buried in a wrap chain the original classification wins.
	rewrapped := hostsdk.Classify(fmt.Errorf("create session: %w", orig))
	assert.Same(t, orig, rewrapped)
}

func Test_Classify_KeepsCause(t *testing.T) {
	cause := fmt.Errorf("resolve signer: %w", signer.ErrUnavailable)

	got := hostsdk.Classify(cause)
	assert.ErrorIs(t, got, signer.ErrUnavailable)
	assert.Contains(t, got.Error(), "SignerUnavailable")
	assert.Contains(t, got.Error(), "resolve signer")
}

func Test_CodeOf(t *testing.T) {
	assert.Equal(t, hostsdk.Code(""), hostsdk.CodeOf(nil))
	assert.Equal(t, hostsdk.Code(""), hostsdk.CodeOf(errors.New("plain")))
	assert.Equal(t, hostsdk.CodeCallbackBusy,
		hostsdk.CodeOf(fmt.Errorf("outer: %w", hostsdk.Errorf(hostsdk.CodeCallbackBusy, "in flight"))))
}

func Test_Error_IsMatchesByCode(t *testing.T) {
	a := hostsdk.Errorf(hostsdk.CodeCallbackTimeout, "no reply after 30s")
	b := hostsdk.Errorf(hostsdk.CodeCallbackTimeout, "different message")
	c := hostsdk.Errorf(hostsdk.CodeCallbackFailed, "no reply after 30s")

	assert.ErrorIs(t, a, b)
	assert.NotErrorIs(t, a, c)
	assert.ErrorIs(t, fmt.Errorf("wire: %w", a), b)
}

func Test_Errorf_Format(t *testing.T) {
	err := hostsdk.Errorf(hostsdk.CodeInvalidArgument, "unknown command %q", "sessionFrobnicate")
	assert.Equal(t, `InvalidArgument: unknown command "sessionFrobnicate"`, err.Error())
	assert.Equal(t, hostsdk.CodeInvalidArgument, err.Code)
}
