package netutil_test

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provamark-dev/provamark-host-sdk/netutil"
)

func Test_TLSConfig_MinimumVersion(t *testing.T) {
	cfg := netutil.TLSConfig()

	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.NotEmpty(t, cfg.CipherSuites)
}

func Test_InsecureTLSConfig(t *testing.T) {
	cfg := netutil.InsecureTLSConfig()

	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func Test_TLSVersionString(t *testing.T) {
	assert.Equal(t, "TLS 1.2", netutil.TLSVersionString(tls.VersionTLS12))
	assert.Equal(t, "TLS 1.3", netutil.TLSVersionString(tls.VersionTLS13))
	assert.Equal(t, "Unknown", netutil.TLSVersionString(0x9999))
}
