package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	t_wazero "github.com/tetratelabs/wazero"

	hostsdk "github.com/provamark-dev/provamark-host-sdk"
	"github.com/provamark-dev/provamark-host-sdk/artifact"
	"github.com/provamark-dev/provamark-host-sdk/engine"
	"github.com/provamark-dev/provamark-host-sdk/engine/wazero"
	"github.com/provamark-dev/provamark-host-sdk/remote"
	"github.com/provamark-dev/provamark-host-sdk/settings"
)

// newHost loads the engine and assembles a Host around it. The caller
// closes the returned host; closing it also closes the engine.
func (o *rootOptions) newHost(ctx context.Context) (*hostsdk.Host, error) {
	if o.engineRef == "" {
		return nil, errors.New("no engine configured: pass --engine or set PROVAMARK_ENGINE")
	}
	logger := slog.Default()

	eng, err := o.loadEngine(ctx, logger)
	if err != nil {
		return nil, err
	}

	h, err := hostsdk.New(ctx, eng,
		hostsdk.WithLogger(logger),
		hostsdk.WithRemoteClient(remote.NewClient(remote.WithClientLogger(logger))),
	)
	if err != nil {
		_ = eng.Close(ctx)
		return nil, err
	}

	if o.settings != "" {
		if err := o.applySettings(ctx, h); err != nil {
			_ = h.Close(ctx)
			return nil, err
		}
	}
	return h, nil
}

func (o *rootOptions) applySettings(ctx context.Context, h *hostsdk.Host) error {
	doc, err := os.ReadFile(o.settings)
	if err != nil {
		return fmt.Errorf("reading settings: %w", err)
	}
	format, err := settings.ParseFormat(strings.TrimPrefix(filepath.Ext(o.settings), "."))
	if err != nil {
		return fmt.Errorf("settings file %s: %w", o.settings, err)
	}
	return h.LoadSettings(ctx, doc, format)
}

// loadEngine treats the reference as a local file first, then as an OCI
// reference pulled through the artifact cache.
func (o *rootOptions) loadEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	if data, err := os.ReadFile(o.engineRef); err == nil {
		return wazero.New(ctx, data,
			wazero.WithLogger(logger),
			wazero.WithCompilationCache(compilationCache(logger)),
		)
	}

	ref, err := artifact.ParseReference(o.engineRef)
	if err != nil {
		return nil, fmt.Errorf("engine %q is neither a readable file nor an OCI reference: %w", o.engineRef, err)
	}

	root, err := cacheRoot()
	if err != nil {
		return nil, err
	}
	cache, err := artifact.NewCache(filepath.Join(root, "engines"))
	if err != nil {
		return nil, err
	}
	fetcher := artifact.NewFetcher(cache, artifact.NewPuller(), artifact.WithFetcherLogger(logger))

	path, err := fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetching engine %s: %w", ref, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return wazero.New(ctx, data,
		wazero.WithLogger(logger),
		wazero.WithCompilationCache(compilationCache(logger)),
	)
}

func cacheRoot() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locating user cache directory: %w", err)
	}
	return filepath.Join(dir, "provamark"), nil
}

// compilationCache persists compiled engine machine code across runs.
// Failure to set one up only costs startup time, so it is logged and
// ignored.
func compilationCache(logger *slog.Logger) t_wazero.CompilationCache {
	root, err := cacheRoot()
	if err != nil {
		logger.Debug("compilation cache disabled", slog.Any("error", err))
		return nil
	}
	cache, err := t_wazero.NewCompilationCacheWithDir(filepath.Join(root, "wazero"))
	if err != nil {
		logger.Debug("compilation cache disabled", slog.Any("error", err))
		return nil
	}
	return cache
}

// mimeFromPath guesses the asset MIME type from the file extension.
func mimeFromPath(path string) string {
	if typ := mime.TypeByExtension(filepath.Ext(path)); typ != "" {
		if base, _, found := strings.Cut(typ, ";"); found {
			return base
		}
		return typ
	}
	return "application/octet-stream"
}
