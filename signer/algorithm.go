package signer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"strings"
)

// Algorithm identifies a supported manifest signature algorithm.
type Algorithm string

const (
	ES256   Algorithm = "es256"
	ES384   Algorithm = "es384"
	ES512   Algorithm = "es512"
	PS256   Algorithm = "ps256"
	PS384   Algorithm = "ps384"
	PS512   Algorithm = "ps512"
	Ed25519 Algorithm = "ed25519"
)

// HardwareAlgorithm is the algorithm used for hardware-backed keys.
// Hardware key configs carry no algorithm field; secure elements on the
// target devices support P-256, so the choice is fixed here.
const HardwareAlgorithm = ES256

// ParseAlgorithm normalizes and validates an algorithm identifier.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch alg := Algorithm(strings.ToLower(strings.TrimSpace(s))); alg {
	case ES256, ES384, ES512, PS256, PS384, PS512, Ed25519:
		return alg, nil
	default:
		return "", fmt.Errorf("%w: unknown algorithm %q", ErrConfigInvalid, s)
	}
}

func (a Algorithm) String() string {
	return string(a)
}

// Hash returns the digest function, or crypto.Hash(0) for pure Ed25519.
func (a Algorithm) Hash() crypto.Hash {
	switch a {
	case ES256, PS256:
		return crypto.SHA256
	case ES384, PS384:
		return crypto.SHA384
	case ES512, PS512:
		return crypto.SHA512
	default:
		return crypto.Hash(0)
	}
}

// Digest prepares data for crypto.Signer.Sign: the digest to sign and the
// matching signer options. Ed25519 signs the message itself.
func (a Algorithm) Digest(data []byte) ([]byte, crypto.SignerOpts, error) {
	h := a.Hash()
	if h == crypto.Hash(0) {
		if a != Ed25519 {
			return nil, nil, fmt.Errorf("%w: algorithm %q has no digest", ErrConfigInvalid, a)
		}
		return data, crypto.Hash(0), nil
	}

	hasher := h.New()
	hasher.Write(data)
	digest := hasher.Sum(nil)

	switch a {
	case PS256, PS384, PS512:
		return digest, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}, nil
	default:
		return digest, h, nil
	}
}

// CompatibleKey reports whether a public key can produce signatures for
// this algorithm.
func (a Algorithm) CompatibleKey(pub crypto.PublicKey) error {
	switch a {
	case ES256, ES384, ES512:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: %s requires an ECDSA key, got %T", ErrConfigInvalid, a, pub)
		}
		want := map[Algorithm]elliptic.Curve{ES256: elliptic.P256(), ES384: elliptic.P384(), ES512: elliptic.P521()}[a]
		if key.Curve != want {
			return fmt.Errorf("%w: %s requires curve %s, got %s", ErrConfigInvalid, a, want.Params().Name, key.Curve.Params().Name)
		}
	case PS256, PS384, PS512:
		if _, ok := pub.(*rsa.PublicKey); !ok {
			return fmt.Errorf("%w: %s requires an RSA key, got %T", ErrConfigInvalid, a, pub)
		}
	case Ed25519:
		if _, ok := pub.(ed25519.PublicKey); !ok {
			return fmt.Errorf("%w: ed25519 requires an Ed25519 key, got %T", ErrConfigInvalid, pub)
		}
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrConfigInvalid, a)
	}
	return nil
}

// signatureCeiling is an upper bound on the encoded signature size,
// generous enough to cover DER framing and 4096-bit RSA keys.
func (a Algorithm) signatureCeiling() int {
	switch a {
	case ES256, Ed25519:
		return 128
	case ES384:
		return 160
	case ES512:
		return 192
	default:
		return 512
	}
}
