package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Source supplies engine artifacts from a registry. Implemented by
// Puller.
type Source interface {
	Pull(ctx context.Context, ref Reference) (*Artifact, error)
	Tags(ctx context.Context, ref Reference) ([]string, error)
}

// Fetcher serves engine binaries cache-first, pulling from the registry
// on a miss and caching the result.
type Fetcher struct {
	cache  *Cache
	source Source
	logger *slog.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithFetcherLogger sets the logger. Default: slog.Default().
func WithFetcherLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFetcher combines a cache and a registry source.
func NewFetcher(cache *Cache, source Source, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{cache: cache, source: source, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns a local path to the engine binary for ref, pulling it
// if the cache misses. A corrupted cache entry is dropped and re-pulled
// once.
func (f *Fetcher) Fetch(ctx context.Context, ref Reference) (string, error) {
	path, _, err := f.cache.Find(ref)
	if err == nil {
		f.logger.Debug("engine served from cache", slog.String("ref", ref.String()))
		return path, nil
	}
	if errors.Is(err, ErrIntegrity) {
		f.logger.Warn("cached engine failed integrity check, re-pulling",
			slog.String("ref", ref.String()), slog.Any("error", err))
		if err := f.cache.Delete(ref); err != nil {
			return "", err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	art, err := f.source.Pull(ctx, ref)
	if err != nil {
		return "", err
	}
	path, err = f.cache.Store(art.Reference, art.Digest, bytes.NewReader(art.WASM))
	if err != nil {
		return "", fmt.Errorf("caching pulled engine: %w", err)
	}
	return path, nil
}

// FetchConstraint resolves constraint against the repository's tags
// first, then fetches the winning version cache-first.
func (f *Fetcher) FetchConstraint(ctx context.Context, ref Reference, constraint string) (string, error) {
	tags, err := f.source.Tags(ctx, ref)
	if err != nil {
		return "", err
	}
	version, err := ResolveVersion(constraint, tags)
	if err != nil {
		return "", err
	}
	return f.Fetch(ctx, ref.WithVersion(version))
}
