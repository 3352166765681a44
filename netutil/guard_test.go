package netutil_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provamark-dev/provamark-host-sdk/netutil"
)

func Test_CheckIP_BlocksByDefault(t *testing.T) {
	tests := []struct {
		name string
		ip   string
	}{
		{"loopback v4", "127.0.0.1"},
		{"loopback v6", "::1"},
		{"private 10/8", "10.0.0.1"},
		{"private 172.16/12", "172.16.5.5"},
		{"private 192.168/16", "192.168.1.1"},
		{"link-local", "169.254.1.1"},
		{"unspecified", "0.0.0.0"},
		{"multicast", "224.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := netutil.CheckIP(net.ParseIP(tt.ip))
			require.Error(t, err)
			assert.True(t, netutil.IsBlockedAddress(err))
		})
	}
}

func Test_CheckIP_AllowsPublic(t *testing.T) {
	assert.NoError(t, netutil.CheckIP(net.ParseIP("93.184.216.34")))
	assert.NoError(t, netutil.CheckIP(net.ParseIP("2606:2800:220:1:248:1893:25c8:1946")))
}

func Test_CheckIP_AllowPrivateOption(t *testing.T) {
	err := netutil.CheckIP(net.ParseIP("10.0.0.1"), netutil.WithAllowPrivate(true))
	assert.NoError(t, err)

	// Loopback needs its own opt-in.
	err = netutil.CheckIP(net.ParseIP("127.0.0.1"), netutil.WithAllowPrivate(true))
	assert.Error(t, err)

	err = netutil.CheckIP(net.ParseIP("127.0.0.1"), netutil.WithAllowLoopback(true))
	assert.NoError(t, err)
}

func Test_CheckIP_MulticastAlwaysBlocked(t *testing.T) {
	err := netutil.CheckIP(net.ParseIP("224.0.0.1"),
		netutil.WithAllowPrivate(true), netutil.WithAllowLoopback(true))
	assert.True(t, netutil.IsBlockedAddress(err))
}

func Test_BlockedAddressError(t *testing.T) {
	err := &netutil.BlockedAddressError{Address: "10.0.0.1", Reason: "private address (RFC 1918/4193)"}

	assert.Contains(t, err.Error(), "10.0.0.1")
	assert.Contains(t, err.Error(), "blocked")
	assert.True(t, netutil.IsBlockedAddress(err))
	assert.False(t, netutil.IsBlockedAddress(nil))
	assert.False(t, netutil.IsBlockedAddress(assert.AnError))
}
