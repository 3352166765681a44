package artifact_test

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provamark-dev/provamark-host-sdk/artifact"
)

// fakeSource serves canned artifacts and counts pulls.
type fakeSource struct {
	artifacts map[string]*artifact.Artifact
	tags      []string
	pulls     int
}

func (s *fakeSource) Pull(_ context.Context, ref artifact.Reference) (*artifact.Artifact, error) {
	s.pulls++
	art, ok := s.artifacts[ref.String()]
	if !ok {
		return nil, &artifact.NotFoundError{Reference: ref}
	}
	return art, nil
}

func (s *fakeSource) Tags(context.Context, artifact.Reference) ([]string, error) {
	return s.tags, nil
}

func newFakeSource(t *testing.T, refs ...string) *fakeSource {
	t.Helper()
	src := &fakeSource{artifacts: make(map[string]*artifact.Artifact)}
	for _, raw := range refs {
		ref, err := artifact.ParseReference(raw)
		require.NoError(t, err)
		wasm := []byte("engine " + ref.Version())
		src.artifacts[raw] = &artifact.Artifact{Reference: ref, Digest: artifact.SHA256Of(wasm), WASM: wasm}
		src.tags = append(src.tags, ref.Version())
	}
	return src
}

func Test_Fetcher_PullsOnMissThenServesFromCache(t *testing.T) {
	cache, err := artifact.NewCache(t.TempDir())
	require.NoError(t, err)
	src := newFakeSource(t, "ghcr.io/provamark/engines/c2pa:1.4.0")
	fetcher := artifact.NewFetcher(cache, src)

	ref, err := artifact.ParseReference("ghcr.io/provamark/engines/c2pa:1.4.0")
	require.NoError(t, err)

	path1, err := fetcher.Fetch(context.Background(), ref)
	require.NoError(t, err)
	path2, err := fetcher.Fetch(context.Background(), ref)
	require.NoError(t, err)

	assert.Equal(t, path1, path2)
	assert.Equal(t, 1, src.pulls)

	data, err := os.ReadFile(path1)
	require.NoError(t, err)
	assert.Equal(t, []byte("engine 1.4.0"), data)
}

func Test_Fetcher_RepullsCorruptedEntry(t *testing.T) {
	cache, err := artifact.NewCache(t.TempDir())
	require.NoError(t, err)
	src := newFakeSource(t, "ghcr.io/provamark/engines/c2pa:1.4.0")
	fetcher := artifact.NewFetcher(cache, src)

	ref, err := artifact.ParseReference("ghcr.io/provamark/engines/c2pa:1.4.0")
	require.NoError(t, err)

	good := src.artifacts[ref.String()]
	_, err = cache.Store(ref, good.Digest, bytes.NewReader([]byte("corrupted on disk")))
	require.NoError(t, err)

	path, err := fetcher.Fetch(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 1, src.pulls)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, good.WASM, data)
}

func Test_Fetcher_ConstraintPicksHighest(t *testing.T) {
	cache, err := artifact.NewCache(t.TempDir())
	require.NoError(t, err)
	src := newFakeSource(t,
		"ghcr.io/provamark/engines/c2pa:1.2.0",
		"ghcr.io/provamark/engines/c2pa:1.4.0",
		"ghcr.io/provamark/engines/c2pa:2.0.0",
	)
	fetcher := artifact.NewFetcher(cache, src)

	base, err := artifact.ParseReference("ghcr.io/provamark/engines/c2pa:1.0.0")
	require.NoError(t, err)

	path, err := fetcher.FetchConstraint(context.Background(), base, "^1.0.0")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("engine 1.4.0"), data)
}

func Test_Fetcher_MissingEverywhere(t *testing.T) {
	cache, err := artifact.NewCache(t.TempDir())
	require.NoError(t, err)
	fetcher := artifact.NewFetcher(cache, &fakeSource{artifacts: map[string]*artifact.Artifact{}})

	ref, err := artifact.ParseReference("ghcr.io/provamark/engines/c2pa:1.4.0")
	require.NoError(t, err)

	_, err = fetcher.Fetch(context.Background(), ref)
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}
