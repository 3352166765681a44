package hostsdk_test

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hostsdk "github.com/provamark-dev/provamark-host-sdk"
	"github.com/provamark-dev/provamark-host-sdk/engine/enginetest"
	"github.com/provamark-dev/provamark-host-sdk/session"
	"github.com/provamark-dev/provamark-host-sdk/settings"
	"github.com/provamark-dev/provamark-host-sdk/signer"
)

const testManifest = `{"title":"sunset.jpg","claim_generator":"provamark-app/2.1"}`

func newES256Key(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func privateKeyPEM(t *testing.T, key crypto.Signer) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func selfSignedCertPEM(t *testing.T, key crypto.Signer) string {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "hostsdk test signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func embeddedConfig(t *testing.T) (*signer.Embedded, *ecdsa.PrivateKey) {
	t.Helper()
	key := newES256Key(t)
	return &signer.Embedded{
		Algorithm:     "es256",
		CertChainPEM:  selfSignedCertPEM(t, key),
		PrivateKeyPEM: privateKeyPEM(t, key),
	}, key
}

func newTestHost(t *testing.T, opts ...hostsdk.Option) (*hostsdk.Host, *enginetest.Engine) {
	t.Helper()
	eng := enginetest.New()
	h, err := hostsdk.New(t.Context(), eng, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h, eng
}

func createTestSession(t *testing.T, h *hostsdk.Host) session.Handle {
	t.Helper()
	handle, err := h.CreateSession(t.Context(), []byte(testManifest))
	require.NoError(t, err)
	return handle
}

// manifestStoreView decodes the signature-bearing fields out of a
// signed manifest for size and verification checks.
type manifestStoreView struct {
	Signature string `json:"signature"`
	CertChain string `json:"cert_chain"`
	Alg       string `json:"alg"`
}

func decodeManifestStore(t *testing.T, manifest []byte) manifestStoreView {
	t.Helper()
	require.True(t, bytes.HasPrefix(manifest, []byte("PME1")))
	var view manifestStoreView
	require.NoError(t, json.Unmarshal(manifest[4:], &view))
	return view
}

func Test_Host_New_RequiresEngine(t *testing.T) {
	_, err := hostsdk.New(t.Context(), nil)
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeInvalidArgument, hostsdk.CodeOf(err))
}

func Test_Host_MinEngineVersion(t *testing.T) {
	h, _ := newTestHost(t, hostsdk.WithMinEngineVersion("1.0.0"))
	v, err := h.GetVersion(t.Context())
	require.NoError(t, err)
	assert.Equal(t, enginetest.DefaultVersion, v)

	eng := enginetest.New()
	_, err = hostsdk.New(t.Context(), eng, hostsdk.WithMinEngineVersion("2.0.0"))
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeNativeEngineError, hostsdk.CodeOf(err))
	assert.Contains(t, err.Error(), "older than required")
}

func Test_Host_MinEngineVersion_Unparseable(t *testing.T) {
	eng := enginetest.New()
	_, err := hostsdk.New(t.Context(), eng, hostsdk.WithMinEngineVersion("not-semver"))
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeInternalError, hostsdk.CodeOf(err))
}

func Test_Host_SignRoundTrip(t *testing.T) {
	h, _ := newTestHost(t)
	handle := createTestSession(t, h)

	require.NoError(t, h.SetIntent(t.Context(), handle, "created",
		"http://cv.iptc.org/newscodes/digitalsourcetype/digitalCapture"))
	require.NoError(t, h.AddAction(t.Context(), handle, []byte(`{"action":"c2pa.created"}`)))

	cfg, _ := embeddedConfig(t)
	asset := []byte("camera sensor output")
	out, err := h.Sign(t.Context(), handle, asset, "image/jpeg", cfg)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, len(out.Manifest), out.ManifestSize)

	report, err := h.ReadManifest(t.Context(), out.SignedAsset, "image/jpeg", false)
	require.NoError(t, err)
	require.NotNil(t, report)

	var rep map[string]any
	require.NoError(t, json.Unmarshal(report, &rep))
	assert.Equal(t, "sunset.jpg", rep["title"])
	assert.Equal(t, "provamark-app/2.1", rep["claim_generator"])
	assert.Equal(t, "created", rep["intent"])
	assert.NotEmpty(t, rep["active_manifest"])

	view := decodeManifestStore(t, out.Manifest)
	sig, err := base64.StdEncoding.DecodeString(view.Signature)
	require.NoError(t, err)
	assert.Equal(t, "es256", view.Alg)
	assert.NotEmpty(t, sig)
}

func Test_Host_ConcurrentCreates_DistinctHandles(t *testing.T) {
	h, _ := newTestHost(t)

	const n = 16
	handles := make(chan session.Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := h.CreateSession(context.Background(), []byte(testManifest))
			assert.NoError(t, err)
			handles <- handle
		}()
	}
	wg.Wait()
	close(handles)

	seen := map[session.Handle]bool{}
	for handle := range handles {
		assert.Greater(t, int64(handle), int64(0))
		assert.False(t, seen[handle], "handle %d allocated twice", handle)
		seen[handle] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, h.Sessions())
}

func Test_Host_SequentialHandlesIncrease(t *testing.T) {
	h, _ := newTestHost(t)

	first := createTestSession(t, h)
	second := createTestSession(t, h)
	third := createTestSession(t, h)
	assert.Greater(t, second, first)
	assert.Greater(t, third, second)
}

func Test_Host_DisposeIdempotent(t *testing.T) {
	h, eng := newTestHost(t)
	handle := createTestSession(t, h)

	require.NoError(t, h.Dispose(t.Context(), handle))
	require.NoError(t, h.Dispose(t.Context(), handle))
	assert.Zero(t, eng.OpenBuilders())

	err := h.SetIntent(t.Context(), handle, "created", "")
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeInvalidHandle, hostsdk.CodeOf(err))

	_, err = h.ToArchive(t.Context(), handle)
	assert.Equal(t, hostsdk.CodeInvalidHandle, hostsdk.CodeOf(err))
}

func Test_Host_UnknownHandle(t *testing.T) {
	h, _ := newTestHost(t)

	err := h.SetNoEmbed(t.Context(), session.Handle(12345))
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeInvalidHandle, hostsdk.CodeOf(err))
}

func Test_Host_SessionsIndependent(t *testing.T) {
	h, _ := newTestHost(t)

	a, err := h.CreateSession(t.Context(), []byte(`{"title":"a.jpg"}`))
	require.NoError(t, err)
	b, err := h.CreateSession(t.Context(), []byte(`{"title":"b.jpg"}`))
	require.NoError(t, err)

	// Interleaved state changes must not leak across handles.
	require.NoError(t, h.SetIntent(t.Context(), a, "created", ""))
	require.NoError(t, h.AddAction(t.Context(), b, []byte(`{"action":"c2pa.opened"}`)))
	require.NoError(t, h.SetIntent(t.Context(), b, "edited", ""))

	cfgA, _ := embeddedConfig(t)
	cfgB, _ := embeddedConfig(t)

	var outA, outB *hostsdk.SignOutput
	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		outA, errA = h.Sign(context.Background(), a, []byte("asset-a"), "image/jpeg", cfgA)
	}()
	go func() {
		defer wg.Done()
		outB, errB = h.Sign(context.Background(), b, []byte("asset-b"), "image/jpeg", cfgB)
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)

	repA, err := h.ReadManifest(t.Context(), outA.SignedAsset, "image/jpeg", false)
	require.NoError(t, err)
	repB, err := h.ReadManifest(t.Context(), outB.SignedAsset, "image/jpeg", false)
	require.NoError(t, err)

	var a1, b1 map[string]any
	require.NoError(t, json.Unmarshal(repA, &a1))
	require.NoError(t, json.Unmarshal(repB, &b1))
	assert.Equal(t, "a.jpg", a1["title"])
	assert.Equal(t, "created", a1["intent"])
	assert.Equal(t, "b.jpg", b1["title"])
	assert.Equal(t, "edited", b1["intent"])
}

func Test_Host_ReserveSizeCoversSignature(t *testing.T) {
	h, _ := newTestHost(t)
	cfg, _ := embeddedConfig(t)

	reserve, err := h.ReserveSize(t.Context(), cfg)
	require.NoError(t, err)
	require.Positive(t, reserve)

	handle := createTestSession(t, h)
	out, err := h.Sign(t.Context(), handle, []byte("asset"), "image/jpeg", cfg)
	require.NoError(t, err)

	view := decodeManifestStore(t, out.Manifest)
	assert.GreaterOrEqual(t, reserve, len(view.Signature)+len(view.CertChain))
}

func Test_Host_FormatEmbeddableIdempotent(t *testing.T) {
	h, _ := newTestHost(t)

	once, err := h.FormatEmbeddable(t.Context(), "image/jpeg", []byte(`{"m":1}`))
	require.NoError(t, err)
	twice, err := h.FormatEmbeddable(t.Context(), "image/jpeg", once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func Test_Host_SerializesOpsPerHandle(t *testing.T) {
	h, eng := newTestHost(t)
	handle := createTestSession(t, h)

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.AddAction(context.Background(), handle, []byte(`{"action":"c2pa.edited"}`)))
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ToArchive(context.Background(), handle)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, eng.Overlaps())
}

func Test_Host_ArchiveRestoreRoundTrip(t *testing.T) {
	h, _ := newTestHost(t)
	handle := createTestSession(t, h)
	require.NoError(t, h.SetIntent(t.Context(), handle, "edited", ""))

	archive, err := h.ToArchive(t.Context(), handle)
	require.NoError(t, err)

	restored, err := h.CreateSessionFromArchive(t.Context(), archive)
	require.NoError(t, err)
	assert.NotEqual(t, handle, restored)

	cfg, _ := embeddedConfig(t)
	out, err := h.Sign(t.Context(), restored, []byte("asset"), "image/jpeg", cfg)
	require.NoError(t, err)

	report, err := h.ReadManifest(t.Context(), out.SignedAsset, "image/jpeg", false)
	require.NoError(t, err)
	var rep map[string]any
	require.NoError(t, json.Unmarshal(report, &rep))
	assert.Equal(t, "edited", rep["intent"])
}

func Test_Host_CreateSession_BadManifest(t *testing.T) {
	h, _ := newTestHost(t)

	_, err := h.CreateSession(t.Context(), []byte("not json"))
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeManifestInvalid, hostsdk.CodeOf(err))
}

func Test_Host_CreateSessionFromArchive_BadArchive(t *testing.T) {
	h, _ := newTestHost(t)

	_, err := h.CreateSessionFromArchive(t.Context(), []byte("junk"))
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeArchiveInvalid, hostsdk.CodeOf(err))
}

func Test_Host_ReadManifest_NoManifest(t *testing.T) {
	h, _ := newTestHost(t)

	report, err := h.ReadManifest(t.Context(), []byte("plain pixels"), "image/jpeg", false)
	require.NoError(t, err)
	assert.Nil(t, report)
}

func Test_Host_SignerConfigRejections(t *testing.T) {
	h, _ := newTestHost(t)
	handle := createTestSession(t, h)

	_, err := h.Sign(t.Context(), handle, []byte("asset"), "image/jpeg", nil)
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeSignerConfigInvalid, hostsdk.CodeOf(err))

	_, err = h.Sign(t.Context(), handle, []byte("asset"), "image/jpeg", &signer.Embedded{Algorithm: "es256"})
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeSignerConfigInvalid, hostsdk.CodeOf(err))

	_, err = h.ReserveSize(t.Context(), &signer.PlatformKey{Algorithm: "es256", CertChainPEM: "pem", KeyAlias: "k"})
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeSignerUnavailable, hostsdk.CodeOf(err), "no platform store wired")
}

func Test_Host_LoadSettings(t *testing.T) {
	h, eng := newTestHost(t)

	require.NoError(t, h.LoadSettings(t.Context(), []byte(`{"core":{"debug":true}}`), settings.FormatJSON))
	assert.JSONEq(t, `{"core":{"debug":true}}`, string(eng.Settings()))

	require.NoError(t, h.LoadSettings(t.Context(), []byte("core:\n  debug: false\n"), settings.FormatYAML))
	assert.JSONEq(t, `{"core":{"debug":false}}`, string(eng.Settings()))

	err := h.LoadSettings(t.Context(), []byte(`{"core":{"hash_alg":"md5"}}`), settings.FormatJSON)
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeInvalidArgument, hostsdk.CodeOf(err))
}

func Test_Host_CloseDisposesEverything(t *testing.T) {
	eng := enginetest.New()
	h, err := hostsdk.New(t.Context(), eng)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := h.CreateSession(t.Context(), []byte(testManifest))
		require.NoError(t, err)
	}
	require.Equal(t, 3, h.Sessions())

	require.NoError(t, h.Close(t.Context()))
	assert.Zero(t, eng.OpenBuilders())
	assert.Zero(t, h.Sessions())

	_, err = h.CreateSession(t.Context(), []byte(testManifest))
	require.Error(t, err)
	assert.Equal(t, hostsdk.CodeNativeEngineError, hostsdk.CodeOf(err))
}

// verifyES256 checks an ASN.1 ECDSA signature over payload.
func verifyES256(t *testing.T, pub *ecdsa.PublicKey, payload, sig []byte) bool {
	t.Helper()
	digest := sha256.Sum256(payload)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}
