package artifact

import (
	"bytes"
	"context"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/memory"
)

func packEngine(t *testing.T, store *memory.Store, tag, mediaType string, wasm []byte) {
	t.Helper()
	ctx := context.Background()

	layerDesc := content.NewDescriptorFromBytes(mediaType, wasm)
	require.NoError(t, store.Push(ctx, layerDesc, bytes.NewReader(wasm)))

	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, ArtifactTypeEngine,
		oras.PackManifestOptions{Layers: []ocispec.Descriptor{layerDesc}})
	require.NoError(t, err)
	require.NoError(t, store.Tag(ctx, manifestDesc, tag))
}

func Test_Puller_FromTarget(t *testing.T) {
	store := memory.New()
	wasm := []byte("\x00asm fake engine build")
	packEngine(t, store, "1.4.0", MediaTypeEngineWASM, wasm)

	ref, err := ParseReference("registry.local/provamark/engines/c2pa:1.4.0")
	require.NoError(t, err)

	art, err := NewPuller().fromTarget(context.Background(), store, ref)
	require.NoError(t, err)

	assert.Equal(t, wasm, art.WASM)
	assert.Equal(t, ref, art.Reference)
	assert.Equal(t, "sha256", art.Digest.Algorithm())
	assert.NoError(t, art.Digest.Verify(wasm))
}

func Test_Puller_FromTarget_MissingTag(t *testing.T) {
	store := memory.New()
	packEngine(t, store, "1.4.0", MediaTypeEngineWASM, []byte("engine"))

	ref, err := ParseReference("registry.local/provamark/engines/c2pa:9.9.9")
	require.NoError(t, err)

	_, err = NewPuller().fromTarget(context.Background(), store, ref)
	assert.ErrorIs(t, err, ErrNotFound)
}

func Test_Puller_FromTarget_NoEngineLayer(t *testing.T) {
	store := memory.New()
	packEngine(t, store, "1.4.0", "application/octet-stream", []byte("engine"))

	ref, err := ParseReference("registry.local/provamark/engines/c2pa:1.4.0")
	require.NoError(t, err)

	_, err = NewPuller().fromTarget(context.Background(), store, ref)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no engine layer")
}
