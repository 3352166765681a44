// Package remote implements the client and reference server for the
// remote signing service protocol: a GET for the signer descriptor
// followed by one POST per payload to the descriptor's sign URL.
package remote

import (
	"fmt"
	"net/url"
)

// Descriptor is the signer configuration document served at a config URL.
type Descriptor struct {
	// Algorithm is the signing algorithm identifier (es256, ed25519, ...).
	Algorithm string `json:"algorithm"`

	// CertChainPEM is the PEM-encoded certificate chain, end entity first.
	CertChainPEM string `json:"cert_chain"`

	// ReserveSize is the byte count to reserve for a signature produced
	// by this signer.
	ReserveSize int `json:"reserve_size"`

	// TimestampURL is an optional RFC 3161 timestamp authority.
	TimestampURL string `json:"timestamp_url,omitempty"`

	// SignURL receives the per-payload POSTs.
	SignURL string `json:"sign_url"`
}

// Validate checks the descriptor is complete enough to sign with.
func (d *Descriptor) Validate() error {
	if d.Algorithm == "" {
		return fmt.Errorf("%w: missing algorithm", ErrBadDescriptor)
	}
	if d.CertChainPEM == "" {
		return fmt.Errorf("%w: missing cert_chain", ErrBadDescriptor)
	}
	if d.ReserveSize <= 0 {
		return fmt.Errorf("%w: reserve_size must be positive", ErrBadDescriptor)
	}
	if d.SignURL == "" {
		return fmt.Errorf("%w: missing sign_url", ErrBadDescriptor)
	}
	parsed, err := url.Parse(d.SignURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: sign_url %q is not absolute", ErrBadDescriptor, d.SignURL)
	}
	return nil
}

// SignRequest is the body of a sign POST.
type SignRequest struct {
	Payload string `json:"payload_b64"`
}

// SignResponse is the body of a successful sign POST.
type SignResponse struct {
	Signature string `json:"signature_b64"`
	SignerID  string `json:"signer_id,omitempty"`
}
