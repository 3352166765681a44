package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	wasmFileName   = "engine.wasm"
	digestFileName = "digest.txt"
)

// Cache stores pulled engines on the local filesystem, one directory
// per reference, alongside the digest recorded at store time.
type Cache struct {
	root string
}

// NewCache opens (creating if needed) a cache rooted at root. An empty
// root defaults to ~/.provamark/engines.
func NewCache(root string) (*Cache, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving cache root: %w", err)
		}
		root = filepath.Join(home, ".provamark", "engines")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}
	return &Cache{root: filepath.Clean(root)}, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string { return c.root }

// Store writes the engine binary and its digest under ref's directory
// and returns the binary path.
func (c *Cache) Store(ref Reference, digest Digest, wasm io.Reader) (string, error) {
	dir, err := c.entryDir(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating cache entry: %w", err)
	}

	wasmPath := filepath.Join(dir, wasmFileName)
	f, err := os.OpenFile(wasmPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return "", err
	}
	_, copyErr := io.Copy(f, wasm)
	closeErr := f.Close()
	if copyErr != nil {
		return "", fmt.Errorf("writing engine binary: %w", copyErr)
	}
	if closeErr != nil {
		return "", closeErr
	}

	if err := os.WriteFile(filepath.Join(dir, digestFileName), []byte(digest.String()), 0o600); err != nil {
		return "", fmt.Errorf("writing digest: %w", err)
	}
	return wasmPath, nil
}

// Find returns the cached binary path for ref, re-verifying the stored
// digest so local tampering surfaces as ErrIntegrity.
func (c *Cache) Find(ref Reference) (string, Digest, error) {
	dir, err := c.entryDir(ref)
	if err != nil {
		return "", Digest{}, err
	}

	wasmPath := filepath.Join(dir, wasmFileName)
	if _, err := os.Stat(wasmPath); err != nil {
		return "", Digest{}, &NotFoundError{Reference: ref}
	}

	raw, err := os.ReadFile(filepath.Join(dir, digestFileName))
	if err != nil {
		return "", Digest{}, &NotFoundError{Reference: ref}
	}
	digest, err := ParseDigest(string(raw))
	if err != nil {
		return "", Digest{}, err
	}

	data, err := os.ReadFile(wasmPath)
	if err != nil {
		return "", Digest{}, err
	}
	if err := digest.Verify(data); err != nil {
		return "", Digest{}, err
	}
	return wasmPath, digest, nil
}

// Delete removes the cache entry for ref. Missing entries are not an
// error.
func (c *Cache) Delete(ref Reference) error {
	dir, err := c.entryDir(ref)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// entryDir maps a reference onto a directory under root, refusing any
// reference whose rendered path would escape it.
func (c *Cache) entryDir(ref Reference) (string, error) {
	rel := filepath.Join(ref.Repository(), ref.Version())
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path in reference %q", ErrBadReference, ref.String())
	}

	full := filepath.Clean(filepath.Join(c.root, rel))
	if full != c.root && !strings.HasPrefix(full, c.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: reference %q escapes the cache root", ErrBadReference, ref.String())
	}
	return full, nil
}
