package artifact

import (
	"fmt"
	"strings"
)

// Reference names one engine build in an OCI registry.
// Format: registry/namespace.../name:version, e.g.
// ghcr.io/provamark/engines/c2pa:1.4.0.
type Reference struct {
	registry  string
	namespace string
	name      string
	version   string
}

// ParseReference parses an engine reference string. The version tag is
// required; constraint resolution replaces it via WithVersion.
func ParseReference(ref string) (Reference, error) {
	parts := strings.Split(ref, "/")
	if len(parts) < 2 {
		return Reference{}, fmt.Errorf("%w: %q needs registry and repository", ErrBadReference, ref)
	}

	last := parts[len(parts)-1]
	name, version, ok := strings.Cut(last, ":")
	if !ok || version == "" {
		return Reference{}, fmt.Errorf("%w: %q is missing a version tag", ErrBadReference, ref)
	}
	segments := append(append([]string{}, parts[:len(parts)-1]...), name, version)
	for _, p := range segments {
		if p == "" || p == "." || p == ".." {
			return Reference{}, fmt.Errorf("%w: %q contains an empty or relative path segment", ErrBadReference, ref)
		}
	}

	return Reference{
		registry:  parts[0],
		namespace: strings.Join(parts[1:len(parts)-1], "/"),
		name:      name,
		version:   version,
	}, nil
}

// String returns the canonical reference including the version tag.
func (r Reference) String() string {
	return r.Repository() + ":" + r.version
}

// Repository returns the reference without the version tag, the form
// registry clients address.
func (r Reference) Repository() string {
	if r.namespace == "" {
		return r.registry + "/" + r.name
	}
	return r.registry + "/" + r.namespace + "/" + r.name
}

// Registry returns the registry hostname.
func (r Reference) Registry() string { return r.registry }

// Name returns the engine name.
func (r Reference) Name() string { return r.name }

// Version returns the version tag.
func (r Reference) Version() string { return r.version }

// WithVersion returns a copy pointing at a different version tag.
func (r Reference) WithVersion(version string) Reference {
	r.version = version
	return r
}

// IsZero reports whether the reference is unset.
func (r Reference) IsZero() bool { return r == Reference{} }
