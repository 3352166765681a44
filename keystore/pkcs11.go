//go:build cgo

package keystore

import (
	"context"
	"crypto"
	"fmt"

	"github.com/ThalesGroup/crypto11"
)

// PKCS11Config locates a hardware token.
type PKCS11Config struct {
	// ModulePath is the PKCS#11 shared library.
	ModulePath string

	// TokenLabel selects the token within the module.
	TokenLabel string

	// PIN authenticates to the token.
	PIN string
}

// PKCS11Store serves signing keys held on a hardware token. Keys are
// located by their CKA_LABEL; signatures are produced on the token.
type PKCS11Store struct {
	ctx *crypto11.Context
}

// NewPKCS11Store opens the token described by cfg. A missing module or
// token fails with ErrStoreUnavailable.
func NewPKCS11Store(cfg PKCS11Config) (*PKCS11Store, error) {
	if cfg.ModulePath == "" {
		return nil, fmt.Errorf("%w: module path not set", ErrStoreUnavailable)
	}

	ctx, err := crypto11.Configure(&crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &PKCS11Store{ctx: ctx}, nil
}

// Signer returns the on-token key labeled alias.
func (s *PKCS11Store) Signer(_ context.Context, alias string) (crypto.Signer, error) {
	kp, err := s.ctx.FindKeyPair(nil, []byte(alias))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if kp == nil {
		return nil, &KeyError{Alias: alias}
	}
	return kp, nil
}

// Close releases the token session.
func (s *PKCS11Store) Close() error {
	return s.ctx.Close()
}
