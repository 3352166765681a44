package artifact

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	godigest "github.com/opencontainers/go-digest"
)

// Digest is a content hash with its algorithm, rendered "sha256:hex".
type Digest struct {
	d godigest.Digest
}

// NewDigest builds a digest from an algorithm name and hex value.
func NewDigest(algorithm, hexValue string) (Digest, error) {
	return ParseDigest(algorithm + ":" + hexValue)
}

// ParseDigest parses "algorithm:hex". Only registered algorithms with
// hex-encoded values are accepted, which rules out the encoded forms
// OCI descriptors technically permit but engine artifacts never use.
func ParseDigest(s string) (Digest, error) {
	d, err := godigest.Parse(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %q: %v", ErrBadDigest, s, err)
	}
	if _, err := hex.DecodeString(d.Encoded()); err != nil {
		return Digest{}, fmt.Errorf("%w: %q is not hex encoded", ErrBadDigest, s)
	}
	return Digest{d: d}, nil
}

// SHA256Of digests data with sha256.
func SHA256Of(data []byte) Digest {
	return Digest{d: godigest.SHA256.FromBytes(data)}
}

// SHA256OfReader digests a stream with sha256.
func SHA256OfReader(r io.Reader) (Digest, error) {
	d, err := godigest.SHA256.FromReader(r)
	if err != nil {
		return Digest{}, err
	}
	return Digest{d: d}, nil
}

// String returns the canonical "algorithm:hex" form.
func (d Digest) String() string { return string(d.d) }

// Algorithm returns the hash algorithm name.
func (d Digest) Algorithm() string { return string(d.d.Algorithm()) }

// Value returns the hex-encoded hash.
func (d Digest) Value() string { return d.d.Encoded() }

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool { return d == Digest{} }

// Verify checks that data hashes to this digest.
func (d Digest) Verify(data []byte) error {
	if !d.d.Algorithm().Available() {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrBadDigest, d.d.Algorithm())
	}
	actual := Digest{d: d.d.Algorithm().FromBytes(data)}
	if actual != d {
		return &IntegrityError{Expected: d, Actual: actual}
	}
	return nil
}
