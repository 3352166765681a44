package netutil

import (
	"errors"
	"fmt"
	"net"
)

// GuardOption adjusts the address screening policy.
type GuardOption func(*guardPolicy)

type guardPolicy struct {
	allowPrivate  bool
	allowLoopback bool
}

// WithAllowPrivate permits private-range addresses (RFC 1918, RFC 4193,
// link-local). Intended for tests and on-device development services.
func WithAllowPrivate(allow bool) GuardOption {
	return func(p *guardPolicy) { p.allowPrivate = allow }
}

// WithAllowLoopback permits loopback addresses.
func WithAllowLoopback(allow bool) GuardOption {
	return func(p *guardPolicy) { p.allowLoopback = allow }
}

// CheckIP reports whether the resolved address may be dialed.
// Signing endpoints are caller-supplied URLs, so anything that would
// reach back into the local host or network is rejected by default.
func CheckIP(ip net.IP, opts ...GuardOption) error {
	var policy guardPolicy
	for _, opt := range opts {
		opt(&policy)
	}

	switch {
	case ip == nil:
		return &BlockedAddressError{Address: "<nil>", Reason: "unparseable address"}
	case ip.IsUnspecified():
		return &BlockedAddressError{Address: ip.String(), Reason: "unspecified address"}
	case ip.IsMulticast():
		return &BlockedAddressError{Address: ip.String(), Reason: "multicast address"}
	case ip.IsLoopback():
		if !policy.allowLoopback {
			return &BlockedAddressError{Address: ip.String(), Reason: "loopback address"}
		}
	case ip.IsPrivate():
		if !policy.allowPrivate {
			return &BlockedAddressError{Address: ip.String(), Reason: "private address (RFC 1918/4193)"}
		}
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		if !policy.allowPrivate {
			return &BlockedAddressError{Address: ip.String(), Reason: "link-local address"}
		}
	}
	return nil
}

// BlockedAddressError is returned when address screening rejects a connection.
type BlockedAddressError struct {
	Address string
	Reason  string
}

func (e *BlockedAddressError) Error() string {
	return fmt.Sprintf("connection to %s blocked: %s", e.Address, e.Reason)
}

// IsBlockedAddress returns true if the error is a BlockedAddressError.
func IsBlockedAddress(err error) bool {
	var blocked *BlockedAddressError
	return errors.As(err, &blocked)
}
