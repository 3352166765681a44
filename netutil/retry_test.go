package netutil_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provamark-dev/provamark-host-sdk/netutil"
)

// scriptedTransport is a test double for http.RoundTripper.
type scriptedTransport struct {
	responses []*http.Response
	errors    []error
	calls     int
}

func (s *scriptedTransport) RoundTrip(*http.Request) (*http.Response, error) {
	idx := s.calls
	s.calls++

	if idx < len(s.errors) && s.errors[idx] != nil {
		return nil, s.errors[idx]
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func resp(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}}
}

func Test_RetryTransport_SuccessFirstAttempt(t *testing.T) {
	script := &scriptedTransport{responses: []*http.Response{resp(http.StatusOK)}}

	transport := &netutil.RetryTransport{Base: script, MaxRetries: 3}

	req, _ := http.NewRequest("GET", "http://example.com", nil)
	r, err := transport.RoundTrip(req)

	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, 1, script.calls)
}

func Test_RetryTransport_Retries429(t *testing.T) {
	script := &scriptedTransport{
		responses: []*http.Response{
			resp(http.StatusTooManyRequests),
			resp(http.StatusTooManyRequests),
			resp(http.StatusOK),
		},
	}

	var attempts []int
	transport := &netutil.RetryTransport{
		Base:           script,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		OnRetry: func(attempt int, _ time.Duration, _ int) {
			attempts = append(attempts, attempt)
		},
	}

	req, _ := http.NewRequest("GET", "http://example.com", nil)
	r, err := transport.RoundTrip(req)

	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, 3, script.calls)
	assert.Equal(t, []int{1, 2}, attempts)
}

func Test_RetryTransport_Retries5xx(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
	}{
		{"502 Bad Gateway", http.StatusBadGateway},
		{"503 Service Unavailable", http.StatusServiceUnavailable},
		{"504 Gateway Timeout", http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := &scriptedTransport{
				responses: []*http.Response{resp(tt.statusCode), resp(http.StatusOK)},
			}

			transport := &netutil.RetryTransport{
				Base:           script,
				MaxRetries:     3,
				InitialBackoff: time.Millisecond,
			}

			req, _ := http.NewRequest("GET", "http://example.com", nil)
			r, err := transport.RoundTrip(req)

			require.NoError(t, err)
			defer r.Body.Close()
			assert.Equal(t, http.StatusOK, r.StatusCode)
			assert.Equal(t, 2, script.calls)
		})
	}
}

func Test_RetryTransport_NoRetryOn4xx(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
	}{
		{"400 Bad Request", http.StatusBadRequest},
		{"401 Unauthorized", http.StatusUnauthorized},
		{"403 Forbidden", http.StatusForbidden},
		{"404 Not Found", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := &scriptedTransport{responses: []*http.Response{resp(tt.statusCode)}}

			transport := &netutil.RetryTransport{
				Base:           script,
				MaxRetries:     3,
				InitialBackoff: time.Millisecond,
			}

			req, _ := http.NewRequest("GET", "http://example.com", nil)
			r, err := transport.RoundTrip(req)

			require.NoError(t, err)
			defer r.Body.Close()
			assert.Equal(t, tt.statusCode, r.StatusCode)
			assert.Equal(t, 1, script.calls)
		})
	}
}

func Test_RetryTransport_RespectsRetryAfterHeader(t *testing.T) {
	limited := resp(http.StatusTooManyRequests)
	limited.Header.Set("Retry-After", "1")
	script := &scriptedTransport{
		responses: []*http.Response{limited, resp(http.StatusOK)},
	}

	var wait time.Duration
	transport := &netutil.RetryTransport{
		Base:           script,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		OnRetry: func(_ int, d time.Duration, _ int) {
			wait = d
		},
	}

	req, _ := http.NewRequest("GET", "http://example.com", nil)
	r, _ := transport.RoundTrip(req)
	if r != nil {
		defer r.Body.Close()
	}

	assert.Equal(t, time.Second, wait)
}

func Test_RetryTransport_ContextCancelDuringBackoff(t *testing.T) {
	script := &scriptedTransport{
		responses: []*http.Response{resp(http.StatusServiceUnavailable)},
	}

	transport := &netutil.RetryTransport{
		Base:           script,
		MaxRetries:     3,
		InitialBackoff: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", "http://example.com", nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := transport.RoundTrip(req)

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, script.calls)
}

func Test_RetryTransport_BlockedAddressNotRetried(t *testing.T) {
	script := &scriptedTransport{
		errors: []error{&netutil.BlockedAddressError{Address: "10.0.0.1", Reason: "private address"}},
	}

	transport := &netutil.RetryTransport{Base: script, MaxRetries: 3, InitialBackoff: time.Millisecond}

	req, _ := http.NewRequest("GET", "http://example.com", nil)
	_, err := transport.RoundTrip(req)

	require.Error(t, err)
	assert.True(t, netutil.IsBlockedAddress(err))
	assert.Equal(t, 1, script.calls)
}

func Test_IsRetryableStatus(t *testing.T) {
	assert.True(t, netutil.IsRetryableStatus(429))
	assert.True(t, netutil.IsRetryableStatus(502))
	assert.True(t, netutil.IsRetryableStatus(503))
	assert.True(t, netutil.IsRetryableStatus(504))
	assert.False(t, netutil.IsRetryableStatus(200))
	assert.False(t, netutil.IsRetryableStatus(400))
	assert.False(t, netutil.IsRetryableStatus(401))
	assert.False(t, netutil.IsRetryableStatus(404))
	assert.False(t, netutil.IsRetryableStatus(500))
}
