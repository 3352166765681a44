package hostsdk_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hostsdk "github.com/provamark-dev/provamark-host-sdk"
	"github.com/provamark-dev/provamark-host-sdk/bridge"
	"github.com/provamark-dev/provamark-host-sdk/remote"
	"github.com/provamark-dev/provamark-host-sdk/signer"
)

func callbackConfig(t *testing.T, callbackID string) *signer.HostCallback {
	t.Helper()
	key := newES256Key(t)
	return &signer.HostCallback{
		Algorithm:    "es256",
		CertChainPEM: selfSignedCertPEM(t, key),
		CallbackID:   callbackID,
	}
}

func Test_Host_CallbackSign_LoopStaysResponsive(t *testing.T) {
	h, _ := newTestHost(t)
	handle := createTestSession(t, h)

	key := newES256Key(t)
	delivered := make(chan struct{})
	var claim []byte
	binding := h.RegisterSignInvoker(bridge.InvokerFunc(func(env bridge.Envelope, reply bridge.ReplyFunc) {
		claim = append([]byte(nil), env.Payload...)
		close(delivered)
		go func() {
			time.Sleep(200 * time.Millisecond)
			digest := sha256.Sum256(env.Payload)
			sig, err := key.Sign(rand.Reader, digest[:], crypto.SHA256)
			reply(sig, err)
		}()
	}))
	defer binding.Close()

	cfg := &signer.HostCallback{
		Algorithm:    "es256",
		CertChainPEM: selfSignedCertPEM(t, key),
		CallbackID:   binding.ID(),
	}

	signDone := make(chan struct{})
	var out *hostsdk.SignOutput
	var signErr error
	go func() {
		defer close(signDone)
		out, signErr = h.Sign(context.Background(), handle, []byte("asset"), "image/jpeg", cfg)
	}()

	<-delivered

	// A task posted while the sign is parked must run before the sign
	// completes, proving the loop is not blocked by the wait.
	pingRan := make(chan struct{})
	require.NoError(t, h.Loop().Post(func(context.Context) { close(pingRan) }))

	select {
	case <-pingRan:
	case <-signDone:
		t.Fatal("sign completed before the ping ran; loop was blocked during the wait")
	case <-time.After(2 * time.Second):
		t.Fatal("loop unresponsive during callback wait")
	}

	select {
	case <-signDone:
	case <-time.After(5 * time.Second):
		t.Fatal("sign did not complete after the reply")
	}
	require.NoError(t, signErr)
	require.NotNil(t, out)

	view := decodeManifestStore(t, out.Manifest)
	got, err := base64.StdEncoding.DecodeString(view.Signature)
	require.NoError(t, err)
	assert.True(t, verifyES256(t, &key.PublicKey, claim, got),
		"stored signature must verify over the claim the engine sent")
}

func Test_Host_CallbackSign_HostError(t *testing.T) {
	h, eng := newTestHost(t)
	handle := createTestSession(t, h)

	binding := h.RegisterSignInvoker(bridge.InvokerFunc(func(_ bridge.Envelope, reply bridge.ReplyFunc) {
		reply(nil, errors.New("user rejected the signing prompt"))
	}))
	defer binding.Close()

	_, err := h.Sign(t.Context(), handle, []byte("asset"), "image/jpeg", callbackConfig(t, binding.ID()))
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeCallbackFailed, hostsdk.CodeOf(err))
	assert.Contains(t, err.Error(), "user rejected")

	// The session survives a failed sign: still usable and disposable.
	require.NoError(t, h.AddAction(t.Context(), handle, []byte(`{"action":"c2pa.edited"}`)))
	cfg, _ := embeddedConfig(t)
	_, err = h.Sign(t.Context(), handle, []byte("asset"), "image/jpeg", cfg)
	require.NoError(t, err)
	require.NoError(t, h.Dispose(t.Context(), handle))
	assert.Zero(t, eng.OpenBuilders())
}

func Test_Host_CallbackSign_SecondSignBusy(t *testing.T) {
	h, _ := newTestHost(t)
	a := createTestSession(t, h)
	b := createTestSession(t, h)

	replies := make(chan bridge.ReplyFunc, 1)
	binding := h.RegisterSignInvoker(bridge.InvokerFunc(func(_ bridge.Envelope, reply bridge.ReplyFunc) {
		replies <- reply
	}))
	defer binding.Close()

	cfg := callbackConfig(t, binding.ID())

	signDone := make(chan error, 1)
	go func() {
		_, err := h.Sign(context.Background(), a, []byte("asset-a"), "image/jpeg", cfg)
		signDone <- err
	}()

	var reply bridge.ReplyFunc
	select {
	case reply = <-replies:
	case <-time.After(2 * time.Second):
		t.Fatal("first envelope was not delivered")
	}

	// Single flight per binding: a second sign fails immediately
	// instead of queueing behind the outstanding envelope.
	start := time.Now()
	_, err := h.Sign(t.Context(), b, []byte("asset-b"), "image/jpeg", callbackConfig(t, binding.ID()))
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeCallbackBusy, hostsdk.CodeOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)

	reply([]byte("signature"), nil)
	require.NoError(t, <-signDone)
}

func Test_Host_CallbackSign_Timeout(t *testing.T) {
	h, _ := newTestHost(t, hostsdk.WithCallbackTimeout(100*time.Millisecond))
	handle := createTestSession(t, h)

	binding := h.RegisterSignInvoker(bridge.InvokerFunc(func(bridge.Envelope, bridge.ReplyFunc) {
		// Never replies.
	}))
	defer binding.Close()

	start := time.Now()
	_, err := h.Sign(t.Context(), handle, []byte("asset"), "image/jpeg", callbackConfig(t, binding.ID()))
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeCallbackTimeout, hostsdk.CodeOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func Test_Host_SignCallback_WireReverse(t *testing.T) {
	h, _ := newTestHost(t)
	handle := createTestSession(t, h)

	// The invoker only records the callback id, as a platform channel
	// would; the answer arrives later through SignCallback.
	ids := make(chan string, 1)
	binding := h.RegisterSignInvoker(bridge.InvokerFunc(func(env bridge.Envelope, _ bridge.ReplyFunc) {
		ids <- env.CallbackID
	}))
	defer binding.Close()

	signDone := make(chan error, 1)
	go func() {
		_, err := h.Sign(context.Background(), handle, []byte("asset"), "image/jpeg", callbackConfig(t, binding.ID()))
		signDone <- err
	}()

	var id string
	select {
	case id = <-ids:
	case <-time.After(2 * time.Second):
		t.Fatal("envelope was not delivered")
	}

	require.NoError(t, h.SignCallback(id, []byte("signature"), ""))
	require.NoError(t, <-signDone)
}

func Test_Host_SignCallback_ErrorMessage(t *testing.T) {
	h, _ := newTestHost(t)
	handle := createTestSession(t, h)

	ids := make(chan string, 1)
	binding := h.RegisterSignInvoker(bridge.InvokerFunc(func(env bridge.Envelope, _ bridge.ReplyFunc) {
		ids <- env.CallbackID
	}))
	defer binding.Close()

	signDone := make(chan error, 1)
	go func() {
		_, err := h.Sign(context.Background(), handle, []byte("asset"), "image/jpeg", callbackConfig(t, binding.ID()))
		signDone <- err
	}()

	id := <-ids
	require.NoError(t, h.SignCallback(id, nil, "key store locked"))

	err := <-signDone
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeCallbackFailed, hostsdk.CodeOf(err))
	assert.Contains(t, err.Error(), "key store locked")
}

func Test_Host_SignCallback_UnknownID(t *testing.T) {
	h, _ := newTestHost(t)

	err := h.SignCallback("no-such-callback", []byte("sig"), "")
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeCallbackFailed, hostsdk.CodeOf(err))
}

func Test_Host_CallbackSign_ReleasedBinding(t *testing.T) {
	h, _ := newTestHost(t)
	handle := createTestSession(t, h)

	binding := h.RegisterSignInvoker(bridge.InvokerFunc(func(_ bridge.Envelope, reply bridge.ReplyFunc) {
		reply([]byte("sig"), nil)
	}))
	cfg := callbackConfig(t, binding.ID())
	require.NoError(t, binding.Close())

	_, err := h.Sign(t.Context(), handle, []byte("asset"), "image/jpeg", cfg)
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeSignerUnavailable, hostsdk.CodeOf(err))
}

func Test_Host_SignAsync_WorkerPath(t *testing.T) {
	h, _ := newTestHost(t)
	handle := createTestSession(t, h)

	binding := h.RegisterSignInvoker(bridge.InvokerFunc(func(env bridge.Envelope, reply bridge.ReplyFunc) {
		go func() {
			time.Sleep(100 * time.Millisecond)
			reply([]byte("signature"), nil)
		}()
	}))
	defer binding.Close()

	done := make(chan error, 1)
	var out *hostsdk.SignOutput
	h.SignAsync(t.Context(), handle, []byte("asset"), "image/jpeg", callbackConfig(t, binding.ID()),
		func(o *hostsdk.SignOutput, err error) {
			out = o
			done <- err
		})

	// The call returned immediately; completion arrives later.
	select {
	case <-done:
		t.Fatal("completion arrived before the host replied")
	case <-time.After(10 * time.Millisecond):
	}

	select {
	case err := <-done:
		require.NoError(t, err)
		require.NotNil(t, out)
	case <-time.After(5 * time.Second):
		t.Fatal("async sign never completed")
	}
}

func Test_Host_SignAsync_InlineForLocalSigners(t *testing.T) {
	h, _ := newTestHost(t)
	handle := createTestSession(t, h)
	cfg, _ := embeddedConfig(t)

	var out *hostsdk.SignOutput
	var signErr error
	called := false
	h.SignAsync(t.Context(), handle, []byte("asset"), "image/jpeg", cfg,
		func(o *hostsdk.SignOutput, err error) {
			called = true
			out, signErr = o, err
		})

	// Local key variants complete before SignAsync returns.
	require.True(t, called)
	require.NoError(t, signErr)
	require.NotNil(t, out)
}

func Test_Host_RemoteSign_EndToEnd(t *testing.T) {
	key := newES256Key(t)
	certPEM := selfSignedCertPEM(t, key)
	svc, err := remote.NewService("es256", key, certPEM, remote.WithReserveSize(7000))
	require.NoError(t, err)
	srv := httptest.NewServer(svc.Router())
	defer srv.Close()

	client := remote.NewClient(
		remote.WithHTTPClient(srv.Client()),
		remote.WithAllowPrivateNetwork(true),
	)
	h, _ := newTestHost(t, hostsdk.WithRemoteClient(client))
	handle := createTestSession(t, h)

	cfg := &signer.RemoteService{ConfigURL: srv.URL + "/v1/signer"}

	reserve, err := h.ReserveSize(t.Context(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 7000, reserve)

	out, err := h.Sign(t.Context(), handle, []byte("asset"), "image/jpeg", cfg)
	require.NoError(t, err)

	view := decodeManifestStore(t, out.Manifest)
	assert.Equal(t, "es256", view.Alg)
	assert.Equal(t, certPEM, view.CertChain)
}

func Test_Host_RemoteSign_Unreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	base := srv.URL
	srv.Close()

	client := remote.NewClient(remote.WithAllowPrivateNetwork(true))
	h, _ := newTestHost(t, hostsdk.WithRemoteClient(client))
	handle := createTestSession(t, h)

	_, err := h.Sign(t.Context(), handle, []byte("asset"), "image/jpeg",
		&signer.RemoteService{ConfigURL: base + "/v1/signer"})
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeSignerNetworkError, hostsdk.CodeOf(err))
}

func Test_Host_RemoteSign_NoClientWired(t *testing.T) {
	h, _ := newTestHost(t)
	handle := createTestSession(t, h)

	_, err := h.Sign(t.Context(), handle, []byte("asset"), "image/jpeg",
		&signer.RemoteService{ConfigURL: "https://signing.example.com/v1/signer"})
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeSignerUnavailable, hostsdk.CodeOf(err))
}
