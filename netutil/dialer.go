package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// PinnedDialer resolves DNS once per host, screens the result with CheckIP,
// and dials the pinned IP for the lifetime of the cache entry. Connecting to
// the pinned address rather than re-resolving defeats DNS rebinding against
// caller-supplied signing endpoints.
type PinnedDialer struct {
	// OnBlocked is called when address screening rejects a dial.
	OnBlocked func(addr string, reason string)

	// OnPinned is called after a hostname resolves and the result is pinned.
	OnPinned func(host string, ip net.IP)

	// Resolver overrides net.DefaultResolver when set.
	Resolver *net.Resolver

	// Timeout bounds each dial. Default: 30s.
	Timeout time.Duration

	// PinTTL is how long a pinned resolution stays valid. Default: 5min.
	PinTTL time.Duration

	// AllowPrivateNetwork permits loopback and private-range endpoints.
	AllowPrivateNetwork bool

	mu   sync.RWMutex
	pins map[string]pinnedEntry
}

type pinnedEntry struct {
	ip       net.IP
	pinnedAt time.Time
}

// DialContext connects to addr using the pinned resolution for its host.
func (d *PinnedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	if ip, ok := d.pinned(host); ok {
		return d.dialIP(ctx, network, ip, port)
	}

	// Literal IPs skip resolution but not screening.
	if ip := net.ParseIP(host); ip != nil {
		if err := d.screen(ip); err != nil {
			return nil, err
		}
		d.pin(host, ip)
		return d.dialIP(ctx, network, ip, port)
	}

	resolver := d.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}

	ip := pickAddress(addrs)

	if d.OnPinned != nil {
		d.OnPinned(host, ip)
	}

	if err := d.screen(ip); err != nil {
		return nil, err
	}

	d.pin(host, ip)
	return d.dialIP(ctx, network, ip, port)
}

// pickAddress prefers IPv4 results for compatibility with mobile carrier NATs.
func pickAddress(addrs []net.IPAddr) net.IP {
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP
		}
	}
	return addrs[0].IP
}

func (d *PinnedDialer) screen(ip net.IP) error {
	var opts []GuardOption
	if d.AllowPrivateNetwork {
		opts = append(opts, WithAllowPrivate(true), WithAllowLoopback(true))
	}
	if err := CheckIP(ip, opts...); err != nil {
		var blocked *BlockedAddressError
		if d.OnBlocked != nil && errors.As(err, &blocked) {
			d.OnBlocked(blocked.Address, blocked.Reason)
		}
		return err
	}
	return nil
}

func (d *PinnedDialer) pinned(host string) (net.IP, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.pins[host]
	if !ok {
		return nil, false
	}

	ttl := d.PinTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	if time.Since(entry.pinnedAt) >= ttl {
		return nil, false
	}
	return entry.ip, true
}

func (d *PinnedDialer) pin(host string, ip net.IP) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pins == nil {
		d.pins = make(map[string]pinnedEntry)
	}
	d.pins[host] = pinnedEntry{ip: ip, pinnedAt: time.Now()}
}

func (d *PinnedDialer) dialIP(ctx context.Context, network string, ip net.IP, port string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
}
