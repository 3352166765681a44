package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// CredentialFunc supplies registry credentials. An empty username means
// anonymous access.
type CredentialFunc func(ctx context.Context, registry string) (auth.Credential, error)

// EnvCredential reads PROVAMARK_REGISTRY_USERNAME and
// PROVAMARK_REGISTRY_PASSWORD.
func EnvCredential(_ context.Context, _ string) (auth.Credential, error) {
	return auth.Credential{
		Username: os.Getenv("PROVAMARK_REGISTRY_USERNAME"),
		Password: os.Getenv("PROVAMARK_REGISTRY_PASSWORD"),
	}, nil
}

// Puller downloads engine artifacts from OCI registries.
type Puller struct {
	credential CredentialFunc
	logger     *slog.Logger
	plainHTTP  bool
}

// PullerOption configures a Puller.
type PullerOption func(*Puller)

// WithCredential sets the registry credential source.
func WithCredential(fn CredentialFunc) PullerOption {
	return func(p *Puller) { p.credential = fn }
}

// WithPlainHTTP permits http registries. Local development only.
func WithPlainHTTP(allow bool) PullerOption {
	return func(p *Puller) { p.plainHTTP = allow }
}

// WithPullerLogger sets the logger. Default: slog.Default().
func WithPullerLogger(logger *slog.Logger) PullerOption {
	return func(p *Puller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPuller builds a registry puller. Credentials default to the
// environment.
func NewPuller(opts ...PullerOption) *Puller {
	p := &Puller{
		credential: EnvCredential,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pull downloads the engine binary named by ref and verifies it against
// the layer digest.
func (p *Puller) Pull(ctx context.Context, ref Reference) (*Artifact, error) {
	repo, err := p.repository(ref)
	if err != nil {
		return nil, err
	}

	p.logger.Info("pulling engine from registry", slog.String("ref", ref.String()))
	return p.fromTarget(ctx, repo, ref)
}

// PullConstraint lists the repository's tags, resolves constraint to
// the highest matching version, and pulls it.
func (p *Puller) PullConstraint(ctx context.Context, ref Reference, constraint string) (*Artifact, error) {
	tags, err := p.Tags(ctx, ref)
	if err != nil {
		return nil, err
	}
	version, err := ResolveVersion(constraint, tags)
	if err != nil {
		return nil, err
	}
	return p.Pull(ctx, ref.WithVersion(version))
}

// Tags lists the version tags available for ref's repository.
func (p *Puller) Tags(ctx context.Context, ref Reference) ([]string, error) {
	repo, err := p.repository(ref)
	if err != nil {
		return nil, err
	}

	var tags []string
	err = repo.Tags(ctx, "", func(page []string) error {
		tags = append(tags, page...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing tags for %s: %w", ref.Repository(), err)
	}
	return tags, nil
}

func (p *Puller) repository(ref Reference) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref.Repository())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReference, err)
	}
	repo.PlainHTTP = p.plainHTTP
	repo.Client = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, registry string) (auth.Credential, error) {
			return p.credential(ctx, registry)
		},
	}
	return repo, nil
}

// fromTarget fetches manifest, locates the engine layer, and fetches
// its blob from any ORAS read-only target.
func (p *Puller) fromTarget(ctx context.Context, src oras.ReadOnlyTarget, ref Reference) (*Artifact, error) {
	desc, err := src.Resolve(ctx, ref.Version())
	if err != nil {
		if errors.Is(err, errdef.ErrNotFound) {
			return nil, &NotFoundError{Reference: ref}
		}
		return nil, fmt.Errorf("resolving %s: %w", ref, err)
	}

	manifestBytes, err := content.FetchAll(ctx, src, desc)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest for %s: %w", ref, err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest for %s: %w", ref, err)
	}

	layer, err := engineLayer(&manifest)
	if err != nil {
		return nil, fmt.Errorf("%w in %s", err, ref)
	}

	// content.FetchAll re-verifies size and digest against the
	// descriptor during the read.
	wasm, err := content.FetchAll(ctx, src, layer)
	if err != nil {
		return nil, fmt.Errorf("fetching engine layer for %s: %w", ref, err)
	}

	digest, err := ParseDigest(string(layer.Digest))
	if err != nil {
		return nil, err
	}
	if err := digest.Verify(wasm); err != nil {
		return nil, err
	}

	p.logger.Debug("engine pulled",
		slog.String("ref", ref.String()),
		slog.String("digest", digest.String()),
		slog.Int("size", len(wasm)))

	return &Artifact{Reference: ref, Digest: digest, WASM: wasm}, nil
}

func engineLayer(manifest *ocispec.Manifest) (ocispec.Descriptor, error) {
	for _, layer := range manifest.Layers {
		if layer.MediaType == MediaTypeEngineWASM {
			return layer, nil
		}
	}
	return ocispec.Descriptor{}, errors.New("no engine layer")
}
