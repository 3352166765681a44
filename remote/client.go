package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/provamark-dev/provamark-host-sdk/netutil"
)

const (
	// defaultMaxBody caps descriptor and signature response bodies.
	defaultMaxBody = 1 << 20

	defaultTimeout = 30 * time.Second
)

// Endpoint addresses one signing service URL together with its credentials.
type Endpoint struct {
	URL         string
	BearerToken string
	Headers     map[string]string
}

// Client talks to a remote signing service. The zero value is not usable;
// construct with NewClient.
type Client struct {
	httpClient   *http.Client
	logger       *slog.Logger
	allowHosts   []string
	allowPrivate bool
	maxBody      int64
	timeout      time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the hardened default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithClientLogger sets the logger. Default: slog.Default().
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAllowedHosts restricts endpoints to hosts matching the given
// doublestar patterns (e.g. "*.signing.example.com"). Empty means any host.
func WithAllowedHosts(patterns ...string) ClientOption {
	return func(c *Client) { c.allowHosts = append(c.allowHosts, patterns...) }
}

// WithAllowPrivateNetwork permits plain http and private-range endpoints.
// Intended for tests and local development services.
func WithAllowPrivateNetwork(allow bool) ClientOption {
	return func(c *Client) { c.allowPrivate = allow }
}

// WithMaxResponseBytes caps response body sizes. Default: 1 MiB.
func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithRequestTimeout bounds each request when the default HTTP client is
// used. Default: 30s.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient builds a signing service client. Unless WithHTTPClient is
// given, requests go through a pinned-DNS dialer, TLS 1.2+, and a
// retrying transport.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		logger:  slog.Default(),
		maxBody: defaultMaxBody,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = hardenedHTTPClient(c.allowPrivate, c.timeout)
	}
	return c
}

func hardenedHTTPClient(allowPrivate bool, timeout time.Duration) *http.Client {
	dialer := &netutil.PinnedDialer{AllowPrivateNetwork: allowPrivate}
	return &http.Client{
		Transport: &netutil.RetryTransport{
			Base: &http.Transport{
				DialContext:       dialer.DialContext,
				TLSClientConfig:   netutil.TLSConfig(),
				MaxIdleConns:      4,
				IdleConnTimeout:   90 * time.Second,
				ForceAttemptHTTP2: true,
			},
		},
		Timeout: timeout,
	}
}

// checkEndpoint enforces scheme and allowlist policy before any request.
func (c *Client) checkEndpoint(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute URL", ErrBadEndpoint, raw)
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !c.allowPrivate {
			return fmt.Errorf("%w: plain http requires the private-network opt-in", ErrBadEndpoint)
		}
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrBadEndpoint, parsed.Scheme)
	}

	if len(c.allowHosts) == 0 {
		return nil
	}
	host := parsed.Hostname()
	for _, pattern := range c.allowHosts {
		if ok, err := doublestar.Match(pattern, host); err == nil && ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrHostNotAllowed, host)
}

// FetchDescriptor retrieves and validates the signer configuration
// document. The descriptor's sign URL is screened against the same
// endpoint policy so a fetched document cannot redirect signing to a
// disallowed host.
func (c *Client) FetchDescriptor(ctx context.Context, ep Endpoint) (*Descriptor, error) {
	if err := c.checkEndpoint(ep.URL); err != nil {
		return nil, err
	}
	if netutil.HasCredentials(ep.URL) {
		c.logger.Warn("signer config URL embeds credentials", slog.String("url", netutil.StripCredentials(ep.URL)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEndpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	applyAuth(req, ep)

	c.logger.Debug("fetching signer descriptor", slog.String("url", netutil.StripCredentials(ep.URL)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(ep.URL, resp)
	}

	var doc Descriptor
	if err := json.NewDecoder(netutil.NewCappedReader(resp.Body, c.maxBody)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decoding descriptor: %v", ErrBadDescriptor, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if err := c.checkEndpoint(doc.SignURL); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Sign posts one payload to the endpoint and returns the raw signature.
func (c *Client) Sign(ctx context.Context, ep Endpoint, payload []byte) ([]byte, error) {
	if err := c.checkEndpoint(ep.URL); err != nil {
		return nil, err
	}

	body, err := json.Marshal(SignRequest{Payload: base64.StdEncoding.EncodeToString(payload)})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEndpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	applyAuth(req, ep)

	c.logger.Debug("requesting remote signature",
		slog.String("url", netutil.StripCredentials(ep.URL)),
		slog.String("payload_size", netutil.FormatSize(int64(len(payload)))))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(ep.URL, resp)
	}

	var out SignResponse
	if err := json.NewDecoder(netutil.NewCappedReader(resp.Body, c.maxBody)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding sign response: %v", ErrUnreachable, err)
	}
	if out.Signature == "" {
		return nil, fmt.Errorf("%w: sign response carries no signature", ErrUnreachable)
	}
	sig, err := base64.StdEncoding.DecodeString(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not valid base64: %v", ErrUnreachable, err)
	}
	return sig, nil
}

func (c *Client) statusError(endpoint string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		URL:        netutil.StripCredentials(endpoint),
		StatusCode: resp.StatusCode,
		Body:       string(bytes.TrimSpace(snippet)),
	}
}

func applyAuth(req *http.Request, ep Endpoint) {
	if ep.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+ep.BearerToken)
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
}
