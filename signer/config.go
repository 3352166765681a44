// Package signer defines the closed set of signer configurations and the
// factory that resolves each into a single-use signing primitive.
package signer

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind discriminates signer configurations on the wire.
type Kind string

const (
	KindEmbedded      Kind = "embedded"
	KindPlatformKey   Kind = "platform_key"
	KindHardwareKey   Kind = "hardware_key"
	KindHostCallback  Kind = "host_callback"
	KindRemoteService Kind = "remote_service"
)

// Config is one of the five signer configurations. The set is closed:
// only types in this package satisfy it.
type Config interface {
	Kind() Kind

	// validate normalizes fields in place and reports the first problem.
	validate() error
}

// Embedded signs with a PEM private key carried in the configuration.
// Intended for development and tests; production keys belong in a
// platform or hardware store.
type Embedded struct {
	Algorithm     Algorithm `json:"algorithm"`
	CertChainPEM  string    `json:"cert_chain"`
	PrivateKeyPEM string    `json:"private_key"`
	TimestampURL  string    `json:"tsa_url,omitempty"`
}

func (c *Embedded) Kind() Kind { return KindEmbedded }

func (c *Embedded) validate() error {
	alg, err := ParseAlgorithm(string(c.Algorithm))
	if err != nil {
		return err
	}
	c.Algorithm = alg
	if c.CertChainPEM == "" {
		return fmt.Errorf("%w: embedded signer requires cert_chain", ErrConfigInvalid)
	}
	if c.PrivateKeyPEM == "" {
		return fmt.Errorf("%w: embedded signer requires private_key", ErrConfigInvalid)
	}
	return nil
}

// PlatformKey signs with a key held in the platform keystore, addressed
// by alias. The private key never crosses into the SDK.
type PlatformKey struct {
	Algorithm       Algorithm `json:"algorithm"`
	CertChainPEM    string    `json:"cert_chain"`
	KeyAlias        string    `json:"key_alias"`
	RequireUserAuth bool      `json:"require_user_auth,omitempty"`
	TimestampURL    string    `json:"tsa_url,omitempty"`
}

func (c *PlatformKey) Kind() Kind { return KindPlatformKey }

func (c *PlatformKey) validate() error {
	alg, err := ParseAlgorithm(string(c.Algorithm))
	if err != nil {
		return err
	}
	c.Algorithm = alg
	if c.CertChainPEM == "" {
		return fmt.Errorf("%w: platform_key signer requires cert_chain", ErrConfigInvalid)
	}
	if c.KeyAlias == "" {
		return fmt.Errorf("%w: platform_key signer requires key_alias", ErrConfigInvalid)
	}
	return nil
}

// HardwareKey signs with a key in dedicated secure hardware. The
// algorithm is fixed to HardwareAlgorithm and is not configurable.
type HardwareKey struct {
	CertChainPEM    string `json:"cert_chain"`
	KeyAlias        string `json:"key_alias"`
	RequireUserAuth bool   `json:"require_user_auth,omitempty"`
	TimestampURL    string `json:"tsa_url,omitempty"`
}

func (c *HardwareKey) Kind() Kind { return KindHardwareKey }

func (c *HardwareKey) validate() error {
	if c.CertChainPEM == "" {
		return fmt.Errorf("%w: hardware_key signer requires cert_chain", ErrConfigInvalid)
	}
	if c.KeyAlias == "" {
		return fmt.Errorf("%w: hardware_key signer requires key_alias", ErrConfigInvalid)
	}
	return nil
}

// HostCallback delegates signing to application code through the
// callback bridge. CallbackID names a binding registered with the
// bridge; the binding is looked up at resolve time, never stored.
type HostCallback struct {
	Algorithm    Algorithm `json:"algorithm"`
	CertChainPEM string    `json:"cert_chain"`
	CallbackID   string    `json:"callback_id"`
	TimestampURL string    `json:"tsa_url,omitempty"`
}

func (c *HostCallback) Kind() Kind { return KindHostCallback }

func (c *HostCallback) validate() error {
	alg, err := ParseAlgorithm(string(c.Algorithm))
	if err != nil {
		return err
	}
	c.Algorithm = alg
	if c.CertChainPEM == "" {
		return fmt.Errorf("%w: host_callback signer requires cert_chain", ErrConfigInvalid)
	}
	if c.CallbackID == "" {
		return fmt.Errorf("%w: host_callback signer requires callback_id", ErrConfigInvalid)
	}
	return nil
}

// RemoteService fetches signer parameters from a remote signing service
// and signs each payload through it.
type RemoteService struct {
	ConfigURL   string            `json:"config_url"`
	BearerToken string            `json:"bearer_token,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

func (c *RemoteService) Kind() Kind { return KindRemoteService }

func (c *RemoteService) validate() error {
	if c.ConfigURL == "" {
		return fmt.Errorf("%w: remote_service signer requires config_url", ErrConfigInvalid)
	}
	return nil
}

// ParseConfig decodes a signer configuration document. The document is a
// JSON object with a "type" discriminator naming the kind; unknown kinds
// and unknown fields are rejected.
func ParseConfig(doc []byte) (Config, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(doc, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	var cfg Config
	switch Kind(head.Type) {
	case KindEmbedded:
		cfg = &Embedded{}
	case KindPlatformKey:
		cfg = &PlatformKey{}
	case KindHardwareKey:
		cfg = &HardwareKey{}
	case KindHostCallback:
		cfg = &HostCallback{}
	case KindRemoteService:
		cfg = &RemoteService{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrConfigInvalid)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrConfigInvalid, head.Type)
	}

	if err := strictDecode(doc, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// strictDecode unmarshals doc into v, rejecting fields the target type
// does not declare. The discriminator is stripped first so the concrete
// config types stay free of it.
func strictDecode(doc []byte, v any) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return err
	}
	delete(fields, "type")

	clean, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(clean))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
