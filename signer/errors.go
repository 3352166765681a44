package signer

import "errors"

var (
	// ErrConfigInvalid indicates a signer configuration that cannot be
	// parsed or fails validation.
	ErrConfigInvalid = errors.New("signer config invalid")

	// ErrUnavailable indicates the configured signing backend cannot be
	// used: a missing key, a released callback binding, a store that is
	// not wired up, or denied key-use consent.
	ErrUnavailable = errors.New("signer unavailable")

	// ErrReleased indicates a resolved signer was used after Close.
	ErrReleased = errors.New("signer already released")
)
