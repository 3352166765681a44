package artifact

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/sigstore/sigstore/pkg/cryptoutils"
)

// VerifySignature checks a detached signature over the engine binary.
// ECDSA signatures are ASN.1 over the sha256 digest; ed25519 signs the
// raw bytes. Publishers distribute the public key out of band.
func VerifySignature(publicKeyPEM, payload, signature []byte) error {
	pub, err := cryptoutils.UnmarshalPEMToPublicKey(publicKeyPEM)
	if err != nil {
		return fmt.Errorf("%w: parsing public key: %v", ErrSignature, err)
	}

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(payload)
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return fmt.Errorf("%w: ecdsa signature does not match", ErrSignature)
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, payload, signature) {
			return fmt.Errorf("%w: ed25519 signature does not match", ErrSignature)
		}
	default:
		return fmt.Errorf("%w: unsupported public key type %T", ErrSignature, pub)
	}
	return nil
}
